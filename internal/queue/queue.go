// Package queue carries UploadEvents from the upload API to the workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/segmentio/kafka-go"

	"adaptimg/internal/models"
)

type Handler func(ctx context.Context, ev models.UploadEvent) error

type Publisher interface {
	Publish(ctx context.Context, ev models.UploadEvent) error
	Close() error
}

func Encode(ev models.UploadEvent) ([]byte, error) {
	if ev.SourceID == "" {
		return nil, errors.New("upload event without source id")
	}
	return json.Marshal(ev)
}

func Decode(data []byte) (models.UploadEvent, error) {
	var ev models.UploadEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.SourceID == "" {
		return ev, errors.New("upload event without source id")
	}
	return ev, nil
}

// Kafka publishes events keyed by source id, so every event of one image
// lands on the same partition.
type Kafka struct {
	w *kafka.Writer
}

func NewKafka(broker, topic string) *Kafka {
	return &Kafka{w: &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) Publish(ctx context.Context, ev models.UploadEvent) error {
	const op = "queue.Kafka.Publish"

	value, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SourceID), Value: value}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}

type Consumer struct {
	r      *kafka.Reader
	logger *log.Logger
}

func NewConsumer(broker, topic, groupID string, logger *log.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: groupID,
		}),
		logger: logger,
	}
}

// Run hands every message to h until ctx is done. Messages are committed
// once h returns, whatever its result: failed conversions are retried by
// hand, not by redelivery.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	const op = "queue.Consumer.Run"

	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		ev, err := Decode(msg.Value)
		if err != nil {
			c.logger.Warn("dropping malformed upload event", "offset", msg.Offset, "err", err)
		} else if err := h(ctx, ev); err != nil {
			c.logger.Error("upload event failed", "source", ev.SourceID, "err", err)
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Direct delivers events to a handler in-process, for single-binary
// deployments without a broker.
type Direct struct {
	h Handler
}

func NewDirect(h Handler) *Direct {
	return &Direct{h: h}
}

func (d *Direct) Publish(ctx context.Context, ev models.UploadEvent) error {
	if ev.SourceID == "" {
		return errors.New("queue.Direct.Publish: upload event without source id")
	}
	return d.h(ctx, ev)
}

func (d *Direct) Close() error { return nil }
