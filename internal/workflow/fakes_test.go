package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feichai0017/page-colorizer/internal/events"
	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/state"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

type transformCall struct {
	image  string
	prompt string
}

// fakeTransformer colors "page-N" into "color-page-N". A gate, when set,
// holds every call until it is closed or fed.
type fakeTransformer struct {
	mu      sync.Mutex
	calls   []transformCall
	gate    chan struct{}
	failOn  map[string]bool
	panicOn string
	entered chan string
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{
		failOn:  make(map[string]bool),
		entered: make(chan string, 256),
	}
}

func (f *fakeTransformer) Transform(_ context.Context, image []byte, prompt string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, transformCall{image: string(image), prompt: prompt})
	gate := f.gate
	fail := f.failOn[string(image)]
	panicOn := f.panicOn
	f.mu.Unlock()

	f.entered <- string(image)
	if gate != nil {
		<-gate
	}
	if panicOn == string(image) {
		panic("decoder exploded")
	}
	if fail {
		return nil, errors.New("model refused " + string(image))
	}
	return append([]byte("color-"), image...), nil
}

func (f *fakeTransformer) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeTransformer) fail(image string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[image] = true
}

func (f *fakeTransformer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransformer) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.prompt
	}
	return out
}

func (f *fakeTransformer) waitEntered(t *testing.T, image string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.entered:
			if got == image {
				return
			}
		case <-timeout:
			t.Fatalf("transformer never received %s", image)
		}
	}
}

type fakePages struct {
	mu        sync.Mutex
	missing   map[int]bool
	outputs   map[int][]byte
	deleted   [][]int
	saveErr   error
	deleteErr error
}

func newFakePages() *fakePages {
	return &fakePages{
		missing: make(map[int]bool),
		outputs: make(map[int][]byte),
	}
}

func (p *fakePages) SourceImage(_ context.Context, _ string, page int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing[page] {
		return nil, fmt.Errorf("page %d: %w", page, models.ErrPageNotFound)
	}
	return []byte(fmt.Sprintf("page-%d", page)), nil
}

func (p *fakePages) SaveOutput(_ context.Context, documentID string, page int, image []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return "", p.saveErr
	}
	p.outputs[page] = image
	return fmt.Sprintf("%s/colorized/page_%04d.png", documentID, page), nil
}

func (p *fakePages) DeleteOutputs(_ context.Context, _ string, pages []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, pages)
	for _, page := range pages {
		delete(p.outputs, page)
	}
	return nil
}

func (p *fakePages) hasOutput(page int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.outputs[page]
	return ok
}

type recordedEvent struct {
	documentID string
	event      events.Event
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(documentID string, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{documentID: documentID, event: e})
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	for i, r := range s.events {
		out[i] = r.event
	}
	return out
}

func (s *recordingSink) types() []events.Type {
	var out []events.Type
	for _, e := range s.all() {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) statuses() []models.ProcessingStatus {
	var out []models.ProcessingStatus
	for _, e := range s.all() {
		if st, ok := e.Data.(events.Status); ok {
			out = append(out, st.Status)
		}
	}
	return out
}

func (s *recordingSink) errors() []events.Error {
	var out []events.Error
	for _, e := range s.all() {
		if er, ok := e.Data.(events.Error); ok {
			out = append(out, er)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// flakyStore fails the nth Update call (1-based) and passes everything else through.
type flakyStore struct {
	state.Store
	mu     sync.Mutex
	calls  int
	failAt int
}

func (f *flakyStore) Update(ctx context.Context, id string, fn state.UpdateFunc) (*models.ProcessingState, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failAt
	f.mu.Unlock()
	if fail {
		return nil, errors.New("disk full")
	}
	return f.Store.Update(ctx, id, fn)
}

type harness struct {
	engine *Engine
	store  state.Store
	pages  *fakePages
	model  *fakeTransformer
	sink   *recordingSink
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, state.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store state.Store) *harness {
	t.Helper()
	h := &harness{
		store: store,
		pages: newFakePages(),
		model: newFakeTransformer(),
		sink:  &recordingSink{},
	}
	h.engine = NewEngine(h.store, h.pages, h.model, h.sink, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Close(ctx)
	})
	return h
}

// wait blocks until the document's run has exited.
func (h *harness) wait(t *testing.T, id string) {
	t.Helper()
	r := h.engine.runFor(id)
	if r == nil {
		return
	}
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run for %s did not finish", id)
	}
}

func (h *harness) load(t *testing.T, id string) *models.ProcessingState {
	t.Helper()
	st, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return st
}

func pageRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}

func startOpts(totalPages, stepSize int) StartOptions {
	return StartOptions{Filename: "vol1.pdf", TotalPages: totalPages, StepSize: stepSize, Prompt: "colorize"}
}
