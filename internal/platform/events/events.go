// Package events publishes duplicate-engine events to NATS after the
// database work that produced them has committed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	SubjectCandidateCreated  = "intake.%s.duplicates.created"
	SubjectCandidateApproved = "intake.%s.duplicates.approved"
	SubjectCandidateRejected = "intake.%s.duplicates.rejected"
	SubjectCaseMerged        = "intake.%s.cases.merged"
)

// Subject fills the agency into one of the subject templates.
func Subject(template, agencyID string) string {
	if agencyID == "" {
		agencyID = "default"
	}
	return fmt.Sprintf(template, agencyID)
}

// Event is the envelope placed on the bus.
type Event struct {
	Type       string      `json:"type"`
	AgencyID   string      `json:"agencyId"`
	OccurredAt time.Time   `json:"occurredAt"`
	Data       interface{} `json:"data"`
}

// Publisher sends events. Publishing is best effort: callers log failures
// and never roll back committed work because of them.
type Publisher interface {
	Publish(ctx context.Context, subject string, evt Event) error
}

// NATSPublisher publishes JSON envelopes on a core NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("intake-server"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Healthy reports an error unless the connection is up.
func (p *NATSPublisher) Healthy(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats status %s", p.nc.Status())
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.nc.FlushTimeout(2 * time.Second)
	p.nc.Close()
}

// NopPublisher drops every event. Used when NATS_URL is empty.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Subject string
	Event   Event
}

func (r *Recorder) Publish(_ context.Context, subject string, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Subject: subject, Event: evt})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}
