package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{User: "guest", Password: "secret", Host: "mq", Port: 5672, VHost: "/jobs"}
	assert.Equal(t, "amqp://guest:secret@mq:5672/jobs", cfg.DSN())
}

func TestConfig_QueueArgs(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   amqp.Table
	}{
		{name: "no arguments", config: Config{}, want: nil},
		{
			name:   "dead letter exchange",
			config: Config{DeadLetterExchange: "jobs_dlx"},
			want:   amqp.Table{"x-dead-letter-exchange": "jobs_dlx"},
		},
		{
			name:   "consumer timeout in milliseconds",
			config: Config{DeadLetterExchange: "jobs_dlx", ConsumerTimeout: 90 * time.Minute},
			want:   amqp.Table{"x-dead-letter-exchange": "jobs_dlx", "x-consumer-timeout": int64(5400000)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.queueArgs())
		})
	}
}

func TestClient_ClosedClientDoesNotReconnect(t *testing.T) {
	c := &Client{
		config: &Config{QueueName: "jobs"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	assert.NoError(t, c.Close())
	assert.False(t, c.IsConnected())

	_, ok, err := c.Get(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, ok)

	err = c.Publish(context.Background(), []byte("{}"), "application/json")
	assert.ErrorIs(t, err, ErrNotConnected)
}
