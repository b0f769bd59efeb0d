// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/jobs"
)

const (
	JobEnqueued  = "job.enqueued"
	JobDone      = "job.done"
	JobFailed    = "job.failed"
	JobReclaimed = "job.reclaimed"
	JobRetried   = "job.retried"
)

type Event struct {
	Type      string      `json:"type"`
	JobID     int64       `json:"job_id"`
	JobType   jobs.Type   `json:"job_type"`
	Status    jobs.Status `json:"status"`
	Error     string      `json:"error,omitempty"`
	CreatedBy string      `json:"created_by,omitempty"`
	At        time.Time   `json:"at"`
}

// FromJob builds an event of kind typ describing job.
func FromJob(typ string, job *jobs.Job) Event {
	return Event{
		Type:      typ,
		JobID:     job.ID,
		JobType:   job.Type,
		Status:    job.Status,
		Error:     job.ErrorMessage(),
		CreatedBy: job.CreatedBy,
		At:        job.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	// Driver is "none", "nats" or "amqp".
	Driver  string
	NATSURL string
	AMQPURL string
	// Subject is the NATS subject prefix and the AMQP exchange name.
	Subject string
}

const DefaultSubject = "mediacards.jobs"

func NewPublisher(cfg Config) (Publisher, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Noop{}, nil
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, subject)
	case "amqp":
		return NewAMQPPublisher(cfg.AMQPURL, subject)
	default:
		return nil, fmt.Errorf("unsupported events driver: %s", cfg.Driver)
	}
}
