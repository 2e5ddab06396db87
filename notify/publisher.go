package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers outbox messages to a durable topic exchange. The outbox
// topic doubles as the routing key, so consumers bind queues per event family
// ("reservation.*", "funds.*", ...).
type Publisher struct {
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("notify: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("notify: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("notify: declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

func (p *Publisher) ensureConnection() error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	log.Printf("notify: reconnecting to broker")
	return p.connect()
}

// Publish sends one message; the payload is already JSON.
func (p *Publisher) Publish(ctx context.Context, topic string, body []byte) error {
	if err := p.ensureConnection(); err != nil {
		return err
	}
	err := p.channel.PublishWithContext(ctx, p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("notify: close channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("notify: close connection: %w", err)
		}
	}
	return nil
}
