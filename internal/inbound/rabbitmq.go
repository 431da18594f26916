package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Getter fetches single deliveries with manual acknowledgement
type Getter interface {
	Get(ctx context.Context) (amqp.Delivery, bool, error)
	Close() error
}

// RabbitMQSource polls a queue with basic.get
type RabbitMQSource struct {
	client Getter
	logger *slog.Logger
}

func NewRabbitMQSource(client Getter, logger *slog.Logger) *RabbitMQSource {
	return &RabbitMQSource{client: client, logger: logger}
}

func (s *RabbitMQSource) Poll(ctx context.Context) (*Message, error) {
	delivery, ok, err := s.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return &Message{
		ID:          strconv.FormatUint(delivery.DeliveryTag, 10),
		Body:        delivery.Body,
		Redelivered: delivery.Redelivered,
		handle:      delivery,
	}, nil
}

func (s *RabbitMQSource) delivery(msg *Message) (amqp.Delivery, error) {
	delivery, ok := msg.handle.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, ErrUnknownMessage
	}
	return delivery, nil
}

func (s *RabbitMQSource) Ack(_ context.Context, msg *Message) error {
	delivery, err := s.delivery(msg)
	if err != nil {
		return err
	}
	if err := delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func (s *RabbitMQSource) Requeue(_ context.Context, msg *Message) error {
	delivery, err := s.delivery(msg)
	if err != nil {
		return err
	}
	if err := delivery.Nack(false, true); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// Reject nacks without requeue; the queue's dead letter exchange receives it
func (s *RabbitMQSource) Reject(_ context.Context, msg *Message) error {
	delivery, err := s.delivery(msg)
	if err != nil {
		return err
	}
	if err := delivery.Nack(false, false); err != nil {
		return fmt.Errorf("failed to reject message: %w", err)
	}
	return nil
}

func (s *RabbitMQSource) Close() error {
	return s.client.Close()
}
