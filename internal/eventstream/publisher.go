// Package eventstream publishes read-only audit events to NATS
// JetStream: one message per committed WAJ record, ledger posting
// batch, and liquidation forced-close. It never participates in the
// trading transaction itself — publishes fire-and-forget after commit,
// matching spec.md §5's "Redis writes are fire-and-forget" guidance.
// Adapted from pkg/nats/client.go's Client/StreamConfig and
// pkg/nats/subjects.go's SubjectBuilder, retargeted from that file's
// exchange/account/market/symbol subject shape to this domain's
// userId-scoped ledger/liquidation subjects.
package eventstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/liquidation"
)

// Config mirrors pkg/nats.Config, trimmed to what this publisher
// needs: a server URL and a client identity for reconnect logging.
type Config struct {
	URL      string
	ClientID string
}

// Publisher wraps a JetStream context scoped to the two audit
// streams this package owns.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *logrus.Entry
}

// New connects to NATS, opens JetStream, and ensures the
// LEDGER_EVENTS / LIQUIDATION_EVENTS streams exist, following
// pkg/nats/client.go's NewClient/initializeStreams shape.
func New(cfg Config, log *logrus.Entry) (*Publisher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "eventstream")

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Errorf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	p := &Publisher{conn: conn, js: js, log: log}
	if err := p.ensureStreams(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      "LEDGER_EVENTS",
			Subjects:  []string{"ledger.committed.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      "LIQUIDATION_EVENTS",
			Subjects:  []string{"liquidation.events.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := p.js.StreamInfo(cfg.Name); err == nil {
			if _, err := p.js.UpdateStream(cfg); err != nil {
				return fmt.Errorf("update stream %s: %w", cfg.Name, err)
			}
			continue
		}
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// LedgerCommitted publishes one message per committed journal/ledger
// operation to ledger.committed.<userId>.
type LedgerCommitted struct {
	JournalID      string    `json:"journalId"`
	UserID         string    `json:"userId"`
	OperationType  string    `json:"operationType"`
	GlobalSequence []int64   `json:"globalSequences"`
	CommittedAt    time.Time `json:"committedAt"`
}

func (p *Publisher) PublishLedgerCommitted(event LedgerCommitted) error {
	subject := fmt.Sprintf("ledger.committed.%s", event.UserID)
	return p.publish(subject, event)
}

// LiquidationEvent publishes one message per forced-close step
// performed by internal/liquidation, to liquidation.events.<userId>.
type LiquidationEvent struct {
	UserID        string    `json:"userId"`
	InstrumentKey string    `json:"instrumentKey"`
	Side          string    `json:"side"`
	Quantity      int64     `json:"quantity"`
	Reason        string    `json:"reason"`
	Step          int       `json:"step"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (p *Publisher) PublishLiquidationEvent(event LiquidationEvent) error {
	subject := fmt.Sprintf("liquidation.events.%s", event.UserID)
	return p.publish(subject, event)
}

// LiquidationAdapter satisfies internal/liquidation.EventPublisher,
// translating that package's transport-agnostic payload into this
// package's wire event. Kept separate from Publisher itself so
// internal/liquidation never needs to import eventstream's JetStream
// dependency.
type LiquidationAdapter struct {
	Publisher *Publisher
}

func (a LiquidationAdapter) PublishLiquidationEvent(p liquidation.LiquidationEventPayload) error {
	return a.Publisher.PublishLiquidationEvent(LiquidationEvent{
		UserID:        p.UserID,
		InstrumentKey: p.InstrumentKey,
		Side:          p.Side,
		Quantity:      p.Quantity,
		Reason:        p.Reason,
		Step:          p.Step,
		OccurredAt:    time.Now(),
	})
}

// ExecutionAdapter satisfies internal/execution.AuditPublisher, the
// same translation role LiquidationAdapter plays for the liquidation
// engine.
type ExecutionAdapter struct {
	Publisher *Publisher
}

func (a ExecutionAdapter) PublishLedgerCommitted(journalID, userID, operationType string, sequences []int64, committedAt time.Time) error {
	return a.Publisher.PublishLedgerCommitted(LedgerCommitted{
		JournalID:      journalID,
		UserID:         userID,
		OperationType:  operationType,
		GlobalSequence: sequences,
		CommittedAt:    committedAt,
	})
}

func (p *Publisher) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.log.Debugf("published to %s", subject)
	return nil
}
