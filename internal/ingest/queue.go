package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Ruankm/autopromo/internal/model"
)

const (
	// StreamName is the JetStream stream backing the ingestion queue.
	StreamName = "AUTOPROMO_INGESTION"

	// SubjectIngestion carries accepted raw messages to the worker.
	SubjectIngestion = "autopromo.ingestion"

	consumerName = "autopromo-worker"
)

// JetStreamQueue is the durable ingestion queue. Accepted messages are
// published to SubjectIngestion and consumed by the relay worker, so a
// worker restart cannot drop accepted-but-unprocessed offers.
type JetStreamQueue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	log    *slog.Logger
}

// NewJetStreamQueue creates the stream if it does not exist and returns
// a queue bound to it.
func NewJetStreamQueue(ctx context.Context, nc *nats.Conn, maxAge time.Duration, log *slog.Logger) (*JetStreamQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectIngestion},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure ingestion stream: %w", err)
	}

	log.Info("ingestion stream ready", "stream", StreamName, "subject", SubjectIngestion)
	return &JetStreamQueue{js: js, stream: stream, log: log}, nil
}

// Publish enqueues an accepted raw message.
func (q *JetStreamQueue) Publish(ctx context.Context, msg model.RawMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal raw message: %w", err)
	}
	if _, err := q.js.Publish(ctx, SubjectIngestion, data); err != nil {
		return fmt.Errorf("publish to %s: %w", SubjectIngestion, err)
	}
	return nil
}

// Consume delivers queued messages to handler until ctx is canceled.
// A handler error leaves the message unacknowledged so JetStream
// redelivers it.
func (q *JetStreamQueue) Consume(ctx context.Context, handler func(ctx context.Context, msg model.RawMessage) error) error {
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 64,
	})
	if err != nil {
		return fmt.Errorf("ensure ingestion consumer: %w", err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		var raw model.RawMessage
		if err := json.Unmarshal(m.Data(), &raw); err != nil {
			q.log.Error("drop undecodable queue message", "error", err)
			_ = m.Term()
			return
		}
		if err := handler(ctx, raw); err != nil {
			q.log.Error("process queued message",
				"user_id", raw.UserID, "source_group", raw.SourceGroupID, "error", err)
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	})
	if err != nil {
		return fmt.Errorf("start ingestion consumer: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}
