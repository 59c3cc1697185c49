package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config configures the NATS alert publisher.
type Config struct {
	// URL is the NATS server alerts are published to.
	URL string `json:"url" yaml:"url"`

	// SubjectPrefix is prepended to every alert subject. Subjects take
	// the form "{prefix}.{user_ref}.{kind}", so a bridge subscribes to
	// "{prefix}.>" for everything or "{prefix}.*.crisis.escalated" for
	// one kind.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "vigild.alerts",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.SubjectPrefix == "" {
		return errors.New("subject prefix is required")
	}
	return nil
}

// Publisher delivers events over NATS.
type Publisher struct {
	config *Config
	logger *zap.Logger
	nc     *nats.Conn
}

// NewPublisher connects to NATS and returns a publisher. The connection
// keeps retrying in the background when the server is not reachable, so
// alerts raised during an outage are dropped by the client rather than
// blocking the pipeline.
func NewPublisher(cfg *Config, logger *zap.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	logger.Info("alert publisher connected", zap.String("url", cfg.URL))

	return &Publisher{config: cfg, logger: logger, nc: nc}, nil
}

// Publish sends one alert. A zero At is stamped with the current time.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Kind == "" || ev.UserRef == "" {
		return errors.New("event kind and user ref are required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", p.config.SubjectPrefix, ev.UserRef, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes buffered alerts and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil && p.nc.IsConnected() {
		p.logger.Warn("flush before close failed", zap.Error(err))
	}
	p.nc.Close()
	return nil
}
