package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"
)

// Engine abstracts the generation resource behind the orchestrator.
type Engine interface {
	// Load makes the resource ready. Implementations must tolerate being
	// called again after a failure.
	Load(ctx context.Context) error

	// Generate streams output fragments through emit until the model
	// finishes or ctx is cancelled. A non-nil error from emit aborts the
	// stream.
	Generate(ctx context.Context, prompt string, emit func(fragment string) error) error

	// Close releases the resource. Safe to call repeatedly.
	Close() error
}

// EngineConfig holds the generation parameters for the local model.
type EngineConfig struct {
	Model     string `json:"model" yaml:"model" koanf:"model"`
	ServerURL string `json:"server_url" yaml:"server_url" koanf:"server_url"`

	// ContextWindow is the model context size in tokens (num_ctx).
	ContextWindow     int     `json:"context_window" yaml:"context_window" koanf:"context_window"`
	Temperature       float64 `json:"temperature" yaml:"temperature" koanf:"temperature"`
	TopK              int     `json:"top_k" yaml:"top_k" koanf:"top_k"`
	TopP              float64 `json:"top_p" yaml:"top_p" koanf:"top_p"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens" koanf:"max_tokens"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty" koanf:"repetition_penalty"`
}

// DefaultEngineConfig returns the defaults for a small on-device model.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Model:             "llama3.2:1b",
		ServerURL:         "http://127.0.0.1:11434",
		ContextWindow:     4096,
		Temperature:       0.2,
		TopK:              40,
		TopP:              0.9,
		MaxTokens:         512,
		RepetitionPenalty: 1.1,
	}
}

// Validate checks the configuration.
func (c *EngineConfig) Validate() error {
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	if c.ContextWindow <= 0 {
		return errors.New("context window must be positive")
	}
	if c.MaxTokens <= 0 {
		return errors.New("max tokens must be positive")
	}
	return nil
}

// OllamaEngine generates text against a local Ollama server through
// langchaingo.
type OllamaEngine struct {
	config *EngineConfig
	logger *zap.Logger

	mu  sync.Mutex
	llm *ollama.LLM
}

// NewOllamaEngine creates an engine. Nothing is loaded until Load.
func NewOllamaEngine(cfg *EngineConfig, logger *zap.Logger) (*OllamaEngine, error) {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaEngine{config: cfg, logger: logger}, nil
}

// Load builds the client and issues a one-token warm-up call so the
// server pulls the model weights into memory before the first real
// request. Already-loaded engines return immediately.
func (e *OllamaEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.llm != nil {
		return nil
	}

	llm, err := ollama.New(
		ollama.WithModel(e.config.Model),
		ollama.WithServerURL(e.config.ServerURL),
		ollama.WithRunnerNumCtx(e.config.ContextWindow),
	)
	if err != nil {
		return fmt.Errorf("creating ollama client: %w", err)
	}
	if _, err := llm.Call(ctx, "ready", llms.WithMaxTokens(1)); err != nil {
		return fmt.Errorf("warming model %s: %w", e.config.Model, err)
	}

	e.llm = llm
	e.logger.Info("generation model loaded",
		zap.String("model", e.config.Model),
		zap.Int("context_window", e.config.ContextWindow))
	return nil
}

// Generate streams one completion. The sampling parameters come from the
// engine config; stopping is the caller's concern and happens through
// ctx cancellation or an emit error.
func (e *OllamaEngine) Generate(ctx context.Context, prompt string, emit func(fragment string) error) error {
	e.mu.Lock()
	llm := e.llm
	e.mu.Unlock()
	if llm == nil {
		return errors.New("engine not loaded")
	}

	_, err := llm.Call(ctx, prompt,
		llms.WithTemperature(e.config.Temperature),
		llms.WithTopK(e.config.TopK),
		llms.WithTopP(e.config.TopP),
		llms.WithMaxTokens(e.config.MaxTokens),
		llms.WithRepetitionPenalty(e.config.RepetitionPenalty),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return emit(string(chunk))
		}),
	)
	if err != nil {
		return fmt.Errorf("generating: %w", err)
	}
	return nil
}

// Close drops the client handle so the next Load starts clean. The
// server unloads weights on its own keep-alive schedule.
func (e *OllamaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.llm = nil
	return nil
}
