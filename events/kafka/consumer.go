package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/warp/balance-engine/balance"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ChangeApplier is implemented by *balance.Engine.
type ChangeApplier interface {
	Apply(ctx context.Context, changes []balance.Change) error
}

// Consumer feeds committed change notifications to the engine.
//
// Offsets are committed only after the engine returns. Malformed messages
// are logged and skipped. Recompute failures are logged and the offset is
// still committed: recompute is idempotent and the affected ranges can be
// rebuilt through the API or ledgerctl.
type Consumer struct {
	reader messageReader
	engine ChangeApplier
	log    zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, engine ChangeApplier, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		engine: engine,
		log:    log.With().Str("component", "kafka-consumer").Str("topic", topic).Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("consumer stopped")
				return nil
			}
			return err
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.log.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	var n Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		log.Warn().Err(err).Msg("skipping malformed notification")
		return
	}
	change, err := n.Change()
	if err != nil {
		log.Warn().Err(err).Msg("skipping invalid notification")
		return
	}

	if err := c.engine.Apply(ctx, []balance.Change{change}); err != nil {
		var serr *balance.ScheduleError
		if errors.As(err, &serr) {
			for _, f := range serr.Failures {
				log.Error().Err(f.Err).
					Str("account", f.Range.Key.String()).
					Stringer("range", f.Range.Range).
					Msg("recompute failed")
			}
			return
		}
		log.Error().Err(err).Msg("apply notification failed")
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
