package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/page-colorizer/pkg/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (r *recorder) Deliver(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection closed")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHub_EmitDeduplicates(t *testing.T) {
	hub := NewHub(logger.NewNop())
	both := &recorder{}
	docOnly := &recorder{}
	other := &recorder{}

	hub.Subscribe("doc1", both)
	hub.Subscribe("", both)
	hub.Subscribe("doc1", docOnly)
	hub.Subscribe("doc2", other)

	hub.Emit("doc1", NewStatus("doc1", "processing", "Processing started"))

	assert.Equal(t, 1, both.count())
	assert.Equal(t, 1, docOnly.count())
	assert.Equal(t, 0, other.count())
	assert.Equal(t, 3, hub.Count())
}

func TestHub_BroadcastReachesEveryoneOnce(t *testing.T) {
	hub := NewHub(logger.NewNop())
	a, b, g := &recorder{}, &recorder{}, &recorder{}

	hub.Subscribe("doc1", a)
	hub.Subscribe("doc2", a)
	hub.Subscribe("doc2", b)
	hub.Subscribe("", g)
	hub.Subscribe("doc1", g)

	hub.Broadcast(NewAnnouncement("maintenance at noon", "info"))

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, g.count())
}

func TestHub_FailedSubscriberIsDropped(t *testing.T) {
	hub := NewHub(logger.NewNop())
	bad := &recorder{fail: true}
	good := &recorder{}

	hub.Subscribe("doc1", bad)
	hub.Subscribe("", bad)
	hub.Subscribe("doc1", good)

	hub.Emit("doc1", NewProgress("doc1", 1, 10, 1))
	hub.Emit("doc1", NewProgress("doc1", 2, 10, 1))

	assert.Equal(t, 2, good.count())
	assert.Equal(t, 1, hub.Count())

	// the dropped subscriber is not retried even if it recovers
	bad.mu.Lock()
	bad.fail = false
	bad.mu.Unlock()
	hub.Emit("doc1", NewProgress("doc1", 3, 10, 1))
	assert.Equal(t, 0, bad.count())
}

func TestHub_UnsubscribeRemovesEmptySets(t *testing.T) {
	hub := NewHub(logger.NewNop())
	r := &recorder{}
	hub.Subscribe("doc1", r)
	hub.Unsubscribe(r)

	assert.Equal(t, 0, hub.Count())
	hub.mu.RLock()
	assert.Empty(t, hub.byDoc)
	hub.mu.RUnlock()
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 33.3, Percentage(1, 3))
	assert.Equal(t, 66.7, Percentage(2, 3))
	assert.Equal(t, 100.0, Percentage(25, 25))
	assert.Equal(t, 0.0, Percentage(1, 0))
}

func TestEvent_WireShape(t *testing.T) {
	b, err := json.Marshal(NewPageError("doc1", 4, "source image missing"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"documentId":"doc1","error":"source image missing","pageNumber":4}}`, string(b))

	b, err = json.Marshal(Pong())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(b))
}
