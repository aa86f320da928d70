package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/config"
)

// Broker owns the AMQP connection and the channel shared by the grading
// publisher and consumer.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     config.RabbitMQConfig
	logger  zerolog.Logger
}

func Dial(cfg config.RabbitMQConfig, logger zerolog.Logger) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.Info().Msg("Connected to RabbitMQ")

	return &Broker{
		conn:    conn,
		channel: channel,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Setup declares the grading exchange and queue and binds them.
func (b *Broker) Setup() error {
	err := b.channel.ExchangeDeclare(
		b.cfg.Exchange, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := b.channel.QueueDeclare(
		b.cfg.QueueName, // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = b.channel.QueueBind(
		q.Name,           // queue name
		b.cfg.RoutingKey, // routing key
		b.cfg.Exchange,   // exchange
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	b.logger.Info().
		Str("exchange", b.cfg.Exchange).
		Str("queue", q.Name).
		Str("routing_key", b.cfg.RoutingKey).
		Msg("RabbitMQ queue setup complete")
	return nil
}

func (b *Broker) Channel() *amqp.Channel {
	return b.channel
}

func (b *Broker) Healthy() bool {
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) Close() error {
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Failed to close RabbitMQ channel")
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Failed to close RabbitMQ connection")
			return err
		}
	}
	return nil
}
