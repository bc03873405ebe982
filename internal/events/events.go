// Package events announces image changes so other instances can drop stale state.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"tradejournal/internal/models"
)

type Type string

const (
	TypeImageSaved   Type = "image.saved"
	TypeImageDeleted Type = "image.deleted"
)

type ImageEvent struct {
	Type     Type        `json:"type"`
	OwnerID  string      `json:"owner_id"`
	Kind     models.Kind `json:"kind"`
	SHA256   string      `json:"sha256,omitempty"`
	ByteSize int64       `json:"byte_size,omitempty"`
	At       time.Time   `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt ImageEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ImageEvent) error { return nil }

func encode(evt ImageEvent) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(evt.OwnerID),
		Value: value,
		Time:  evt.At,
	}, nil
}

func decode(msg kafka.Message) (ImageEvent, error) {
	var evt ImageEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return ImageEvent{}, err
	}
	if evt.OwnerID == "" || evt.Kind == "" {
		return ImageEvent{}, errors.New("event without owner or kind")
	}
	return evt, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by owner id, so all events of one
// owner land on the same partition in order.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(broker, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt ImageEvent) error {
	const op = "events.KafkaPublisher.Publish"

	msg, err := encode(evt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds events from a topic to a handler until its context is canceled.
type Consumer struct {
	r      messageReader
	logger zerolog.Logger
}

// groupRetention lets the broker forget groups of instances that are gone.
const groupRetention = time.Hour

// NewConsumer reads only events published after the group first joins; older
// events describe state this instance never cached.
func NewConsumer(broker, topic, groupID string, logger zerolog.Logger) *Consumer {
	return &Consumer{
		r:      kafka.NewReader(readerConfig(broker, topic, groupID)),
		logger: logger,
	}
}

func readerConfig(broker, topic, groupID string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:       []string{broker},
		Topic:         topic,
		GroupID:       groupID,
		StartOffset:   kafka.LastOffset,
		RetentionTime: groupRetention,
	}
}

// InstanceGroupID derives a group id that is stable across restarts of one host
// and distinct between hosts, so every instance receives every event.
func InstanceGroupID(base, host string) string {
	if host == "" {
		return base
	}
	return base + "-" + host
}

// Run blocks until ctx is done. Malformed messages and read errors are logged and
// skipped.
func (c *Consumer) Run(ctx context.Context, handle func(ImageEvent)) error {
	defer c.r.Close()

	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("error reading image event")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		evt, err := decode(msg)
		if err != nil {
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed image event")
			continue
		}
		handle(evt)
	}
}
