package colorize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// DefaultModel is the Gemini image model used when none is configured.
const DefaultModel = "gemini-3-pro-image-preview"

// ErrNoImage is returned when the model answers without an image part.
var ErrNoImage = errors.New("response contained no image")

// Config configures the Gemini transformer.
type Config struct {
	APIKey         string        `yaml:"api_key" mapstructure:"api_key"`
	Model          string        `yaml:"model" mapstructure:"model"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxEdge        int           `yaml:"max_edge" mapstructure:"max_edge"`
}

func DefaultConfig() Config {
	return Config{
		Model:          DefaultModel,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxEdge:        2048,
	}
}

// contentGenerator is the slice of *genai.Models the transformer needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiTransformer colorizes page images through the Gemini API.
type GeminiTransformer struct {
	models contentGenerator
	cfg    Config
	logger logger.Logger
}

// NewGeminiTransformer connects to the Gemini API with an API key.
func NewGeminiTransformer(ctx context.Context, cfg Config, log logger.Logger) (*GeminiTransformer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiTransformer(client.Models, cfg, log), nil
}

func newGeminiTransformer(models contentGenerator, cfg Config, log logger.Logger) *GeminiTransformer {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	return &GeminiTransformer{
		models: models,
		cfg:    cfg,
		logger: log.Named("colorize"),
	}
}

// Transform sends one page and the wrapped prompt to the model and returns the
// colorized page as PNG. Failed calls are retried with exponential backoff.
func (t *GeminiTransformer) Transform(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	src, err := normalize(image, t.cfg.MaxEdge)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare page image: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(Instruction(prompt)),
			genai.NewPartFromBytes(src, "image/png"),
		}, genai.RoleUser),
	}

	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		resp, err := t.models.GenerateContent(ctx, t.cfg.Model, contents, nil)
		if err != nil {
			return err
		}
		data := firstImage(resp)
		if data == nil {
			return ErrNoImage
		}
		png, err := normalize(data, 0)
		if err != nil {
			return err
		}
		out = png
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Warn("Colorization attempt failed",
			logger.Int("attempt", attempt),
			logger.Duration("retryIn", wait),
			logger.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, t.policy(ctx), notify); err != nil {
		return nil, fmt.Errorf("colorization failed after %d attempts: %w", attempt, err)
	}
	return out, nil
}

func (t *GeminiTransformer) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.cfg.MaxAttempts-1)), ctx)
}

// firstImage returns the first inline image part of any candidate.
func firstImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return p.InlineData.Data
			}
		}
	}
	return nil
}
