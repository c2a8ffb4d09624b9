package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labreserve/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the part of *amqp.Channel the sink needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes notifications as persistent JSON messages.
type AMQPSink struct {
	publisher  Publisher
	exchange   string
	routingKey string
	closers    []func() error
}

func NewAMQPSink(publisher Publisher, exchange, routingKey string) *AMQPSink {
	return &AMQPSink{publisher: publisher, exchange: exchange, routingKey: routingKey}
}

// DialAMQP connects to the broker and declares the durable events queue. With no
// exchange configured messages go through the default exchange keyed by queue name.
func DialAMQP(cfg config.AMQPConfig) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}

	routingKey := cfg.RoutingKey
	if cfg.Exchange != "" {
		if routingKey == "" {
			routingKey = cfg.Queue
		}
		if err := ch.QueueBind(cfg.Queue, routingKey, cfg.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("amqp queue bind: %w", err)
		}
	} else {
		routingKey = cfg.Queue
	}

	sink := NewAMQPSink(ch, cfg.Exchange, routingKey)
	sink.closers = []func() error{ch.Close, conn.Close}
	return sink, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return s.publisher.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.EventID,
		Type:         n.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close releases the channel and connection opened by DialAMQP.
func (s *AMQPSink) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
