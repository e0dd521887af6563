// Package nsq publishes and tails pagelens run events on nsqd.
package nsq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nsqio/go-nsq"
)

// Producer is the part of *nsq.Producer the publisher depends on.
type Producer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

var _ Producer = (*nsq.Producer)(nil)

func NewProducer(addr string) (*nsq.Producer, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	return producer, nil
}

type Publisher struct {
	producer Producer
}

func NewPublisher(p Producer) *Publisher {
	return &Publisher{producer: p}
}

func (p *Publisher) Publish(topic string, body []byte) error {
	if err := p.producer.Publish(topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Health(context.Context) error {
	if err := p.producer.Ping(); err != nil {
		return fmt.Errorf("nsqd ping: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.producer.Stop()
}

// Nop drops every event. It stands in when NSQD_HOST is not set.
type Nop struct{}

func (Nop) Publish(string, []byte) error { return nil }

// Handler receives one event body together with its topic.
type Handler func(topic string, body []byte) error

// Subscribe tails each topic on nsqd until ctx is cancelled.
func Subscribe(ctx context.Context, addr, channel string, topics []string, h Handler) error {
	consumers := make([]*nsq.Consumer, 0, len(topics))
	stopAll := func() {
		for _, c := range consumers {
			c.Stop()
		}
		for _, c := range consumers {
			<-c.StopChan
		}
	}

	for _, topic := range topics {
		cfg := nsq.NewConfig()
		cfg.MaxInFlight = 1
		consumer, err := nsq.NewConsumer(topic, channel, cfg)
		if err != nil {
			stopAll()
			return fmt.Errorf("nsq consumer %s: %w", topic, err)
		}
		consumer.SetLoggerLevel(nsq.LogLevelWarning)
		consumer.AddHandler(topicHandler(topic, h))
		if err := consumer.ConnectToNSQD(addr); err != nil {
			consumer.Stop()
			stopAll()
			return fmt.Errorf("connect %s: %w", addr, err)
		}
		consumers = append(consumers, consumer)
	}

	slog.InfoContext(ctx, "subscribed to events", "nsqd", addr, "topics", topics)
	<-ctx.Done()
	stopAll()
	return nil
}

func topicHandler(topic string, h Handler) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		if len(m.Body) == 0 {
			return nil
		}
		if err := h(topic, m.Body); err != nil {
			slog.Warn("event handler failed", "topic", topic, "attempts", m.Attempts, "error", err)
			return err
		}
		return nil
	})
}
