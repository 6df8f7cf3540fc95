// Package kafkasource feeds events from a Kafka topic into ingress.
//
// Each message value is a JSON object {"source_type", "payload",
// "correlation_id"}. When source_type is absent the "source_type" header is
// used. Offsets are committed only after the event is stored (or
// permanently rejected), so a crash redelivers the message and ingress
// de-duplication absorbs the repeat.
package kafkasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/petrijr/steward/internal/backoff"
	"github.com/petrijr/steward/internal/ingress"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

const (
	_defaultMinBytes = 10e3
	_defaultMaxBytes = 10e6

	defaultCommitTimeout = 5 * time.Second
)

// SourceHeader names the header that carries the source type when the
// message body omits it.
const SourceHeader = "source_type"

// Reader is the subset of *kafka.Reader the source uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester accepts and routes raw events. *ingress.Ingress implements it.
type Ingester interface {
	Ingest(ctx context.Context, raw ingress.RawEvent) (*api.Event, *api.WorkflowExecution, error)
}

// Config configures a Source.
type Config struct {
	Brokers []string
	GroupID string
	Topic   string

	// Backoff paces retries of a message whose ingestion failed
	// transiently. Defaults to 1s doubling up to 1m.
	Backoff backoff.Strategy

	CommitTimeout time.Duration
	Logger        *slog.Logger
}

// Source consumes one topic.
type Source struct {
	reader   Reader
	ingester Ingester
	backoff  backoff.Strategy
	commitTO time.Duration
	logger   *slog.Logger
}

// NewReader builds a consumer-group reader for cfg.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: _defaultMinBytes,
		MaxBytes: _defaultMaxBytes,
	})
}

// New returns a Source reading from r.
func New(r Reader, ing Ingester, cfg Config) *Source {
	s := &Source{
		reader:   r,
		ingester: ing,
		backoff:  cfg.Backoff,
		commitTO: cfg.CommitTimeout,
		logger:   cfg.Logger,
	}
	if s.backoff == nil {
		s.backoff = backoff.NewExponential(time.Second, time.Minute)
	}
	if s.commitTO <= 0 {
		s.commitTO = defaultCommitTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run consumes until ctx is cancelled. Messages are handled one at a time
// so offsets are committed in order.
func (s *Source) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafkasource: fetch: %w", err)
		}

		if err := s.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTO)
		err = s.reader.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			s.logger.ErrorContext(ctx, "kafka commit failed",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close closes the underlying reader.
func (s *Source) Close() error {
	return s.reader.Close()
}

// handle ingests msg, retrying transient failures until ctx ends. It
// returns nil once the message may be committed.
func (s *Source) handle(ctx context.Context, msg kafka.Message) error {
	raw, err := Decode(msg)
	if err != nil {
		s.logger.WarnContext(ctx, "undecodable kafka message dropped",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return nil
	}

	for attempt := 1; ; attempt++ {
		_, _, err := s.ingester.Ingest(ctx, raw)
		if permanent(err) {
			return nil
		}

		delay := s.backoff.Delay(attempt)
		s.logger.WarnContext(ctx, "kafka message ingest failed, retrying",
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// permanent reports whether err leaves nothing to retry.
func permanent(err error) bool {
	return err == nil ||
		errors.Is(err, api.ErrMalformedEvent) ||
		errors.Is(err, api.ErrUnroutedEvent) ||
		errors.Is(err, persistence.ErrDuplicateEvent)
}

// Decode parses a message into a RawEvent.
func Decode(msg kafka.Message) (ingress.RawEvent, error) {
	var raw ingress.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		return ingress.RawEvent{}, fmt.Errorf("decode message: %w", err)
	}
	if raw.Source == "" {
		for _, h := range msg.Headers {
			if h.Key == SourceHeader {
				raw.Source = api.SourceType(h.Value)
				break
			}
		}
	}
	return raw, nil
}
