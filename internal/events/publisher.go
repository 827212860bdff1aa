// Package events publishes ledger outcomes to NATS JetStream for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"profitdraw/internal/payout"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	TypeDistributionClosed = "distribution.closed"
	TypeDrawCompleted      = "draw.completed"
	TypeWithdrawalChanged  = "withdrawal.changed"
)

// Envelope is the wire form of every published event.
type Envelope struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher implements payout.Publisher. Each message carries a Nats-Msg-Id equal
// to the event key, so a rerun that republishes is deduplicated by the stream.
type Publisher struct {
	js     jsPublisher
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

func NewPublisher(js jetstream.JetStream, subjectPrefix string, logger *slog.Logger) *Publisher {
	return newPublisher(js, subjectPrefix, logger)
}

func newPublisher(js jsPublisher, subjectPrefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:     js,
		prefix: subjectPrefix,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Connect dials NATS and ensures the outbound stream exists.
func Connect(ctx context.Context, url, stream, subjectPrefix string, logger *slog.Logger) (*Publisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("profitdraw"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, stream, subjectPrefix); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return NewPublisher(js, subjectPrefix, logger), nc, nil
}

func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subjectPrefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

func (p *Publisher) DistributionClosed(ctx context.Context, res payout.DistributionResult) error {
	key := fmt.Sprintf("%s/%s", res.FundID, res.PeriodID)
	return p.publish(ctx, TypeDistributionClosed, key, p.Subject(TypeDistributionClosed, res.FundID), res)
}

func (p *Publisher) DrawCompleted(ctx context.Context, res payout.DrawResult) error {
	return p.publish(ctx, TypeDrawCompleted, res.PeriodID, p.Subject(TypeDrawCompleted, res.PeriodID), res)
}

func (p *Publisher) WithdrawalChanged(ctx context.Context, req payout.WithdrawalRequest) error {
	key := fmt.Sprintf("%s/%s", req.ID, req.State)
	return p.publish(ctx, TypeWithdrawalChanged, key, p.Subject(TypeWithdrawalChanged, string(req.State)), req)
}

// Subject builds {prefix}.{type}.{token}; dots in the token are replaced so it
// stays a single subject level.
func (p *Publisher) Subject(eventType, token string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, eventType, sanitizeToken(token))
}

func (p *Publisher) publish(ctx context.Context, eventType, key, subject string, payload any) error {
	data, err := json.Marshal(Envelope{Type: eventType, Key: key, OccurredAt: p.now(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(eventType+"/"+key))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack != nil && ack.Duplicate {
		p.log.Debug("event already published", "subject", subject, "key", key)
	}
	return nil
}

func sanitizeToken(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
