package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/warp/balance-engine/balance"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements balance.RecomputeNotifier on a Kafka topic.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// publishBatchTimeout bounds how long a synchronous write waits for its
// batch to fill. Events go out one per recompute.
const publishBatchTimeout = 10 * time.Millisecond

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: publishBatchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
		now: time.Now,
	}
}

// Recomputed publishes one RecomputedEvent keyed by tenant/account.
func (p *Publisher) Recomputed(ctx context.Context, key balance.AccountKey, rng balance.Range) error {
	event := RecomputedEvent{
		ID:        uuid.NewString(),
		TenantID:  string(key.TenantID),
		AccountID: string(key.AccountID),
		From:      rng.From,
		To:        rng.To,
		At:        p.now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   MessageKey(key.TenantID, key.AccountID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("publish recomputed %s %s: %w", key, rng, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.writer.Close() }

var _ balance.RecomputeNotifier = (*Publisher)(nil)
