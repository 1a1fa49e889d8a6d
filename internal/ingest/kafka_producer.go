package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
}

// LocationProducer publishes driver location pings keyed by driver id.
type LocationProducer struct {
	writer MessageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	return &LocationProducer{writer: newWriter(brokers, topic)}
}

func (k *LocationProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *LocationProducer) Close() error { return k.writer.Close() }

// RideEvent is the record written to the ride events topic.
type RideEvent struct {
	Event lifecycle.EventKind `json:"event"`
	Ride  models.Ride         `json:"ride"`
	At    time.Time           `json:"at"`
}

// RideEventProducer streams ride lifecycle events keyed by ride id, so one
// ride's events stay ordered within a partition.
type RideEventProducer struct {
	writer MessageWriter
}

func NewRideEventProducer(brokers []string, topic string) *RideEventProducer {
	return &RideEventProducer{writer: newWriter(brokers, topic)}
}

func (p *RideEventProducer) RideEvent(ctx context.Context, kind lifecycle.EventKind, r models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(RideEvent{Event: kind, Ride: r, At: time.Now()})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(r.ID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event", Value: []byte(kind)}},
	})
}

func (p *RideEventProducer) Close() error { return p.writer.Close() }
