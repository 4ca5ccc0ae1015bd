// Package events publishes index lifecycle notifications over NATS.
//
// Subscribers (dashboards, cache invalidators, other indexers) learn about
// ingests and clears without polling the store. Publishing is best effort:
// the retrieval service logs publish failures and carries on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the retrieval service.
const (
	SubjectIngestCompleted = "pdfrag.ingest.completed"
	SubjectIndexCleared    = "pdfrag.index.cleared"
)

// ErrClosed is returned when publishing on a closed publisher.
var ErrClosed = errors.New("publisher closed")

// Publisher sends an event to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close()
}

// IngestCompleted is published after a successful ingest.
type IngestCompleted struct {
	Chunks    int       `json:"chunks"`
	Documents []string  `json:"documents"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// IndexCleared is published after the index has been emptied.
type IndexCleared struct {
	Timestamp time.Time `json:"timestamp"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close()                                     {}

// Config for the NATS publisher.
type Config struct {
	// URL of the NATS server. Empty disables publishing.
	URL string
	// MaxReconnects before the connection gives up (default: 5).
	MaxReconnects int
	// ReconnectWait between attempts (default: 1s).
	ReconnectWait time.Duration
}

// New returns a NATS publisher, or Nop when cfg.URL is empty.
func New(cfg Config) (Publisher, error) {
	if cfg.URL == "" {
		return Nop{}, nil
	}
	p, err := NewNATS(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NATSPublisher publishes JSON-encoded events on a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATS connects to cfg.URL. The connection keeps retrying in the
// background when the server is not up yet.
func NewNATS(cfg Config) (*NATSPublisher, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pdfrag"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// NewNATSFromConn wraps an existing connection. Close closes it.
func NewNATSFromConn(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish marshals event as JSON and publishes it on subject.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc.IsClosed() {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
