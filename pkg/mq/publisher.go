package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

// DefaultExchange is the topic exchange job events are published to.
const DefaultExchange = "recon.jobs"

// Publisher sends job lifecycle events to a durable topic exchange with routing key job.<event>.
type Publisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to RabbitMQ, retrying with exponential backoff for up to maxWait.
func Dial(ctx context.Context, url, exchange string, maxWait time.Duration) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	var conn *amqp.Connection
	op := func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("无法连接 RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建通道: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("无法声明交换机: %w", err)
	}
	return &Publisher{exchange: exchange, conn: conn, ch: ch}, nil
}

// RoutingKey is the topic a job event is published under.
func RoutingKey(ev model.JobEvent) string {
	return "job." + string(ev.Type)
}

func message(ev model.JobEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.CreatedAt,
		Type:         string(ev.Type),
		Body:         body,
	}, nil
}

// Notify publishes one event. amqp channels are not safe for concurrent publishing.
func (p *Publisher) Notify(ctx context.Context, ev model.JobEvent) error {
	msg, err := message(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx,
		p.exchange,     // exchange
		RoutingKey(ev), // routing key
		false,          // mandatory
		false,          // immediate
		msg)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
