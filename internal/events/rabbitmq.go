// Package events publishes persisted trade changes to a RabbitMQ topic
// exchange for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/GoPolymarket/tradefeed/internal/pkg/metrics"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "trade_events"
	ExchangeType    = "topic"

	defaultBuffer  = 1000
	publishTimeout = 5 * time.Second
	dialAttempts   = 3
)

// AMQPChannel is the subset of *amqp.Channel the publisher needs.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the JSON body of every published trade change.
type Message struct {
	EventID    string           `json:"event_id"`
	Kind       string           `json:"kind"`
	UserID     int64            `json:"user_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	Trade      model.TradeEvent `json:"trade"`
}

type outbound struct {
	key string
	msg Message
}

// Publisher is a service.ChangeSink. Emit never blocks: changes go through a
// bounded queue drained by one goroutine and are dropped when it is full.
type Publisher struct {
	ch        AMQPChannel
	exchange  string
	queue     chan outbound
	done      chan struct{}
	stopped   chan struct{}
	closeConn func() error
	once      sync.Once
}

func NewPublisher(ch AMQPChannel, exchange string, buffer int) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	p := &Publisher{
		ch:       ch,
		exchange: exchange,
		queue:    make(chan outbound, buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Dial connects, declares the topic exchange and returns a running publisher
// that owns the connection.
func Dial(url, exchange string, buffer int) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq dial failed", "attempt", i+1, "error", err.Error())
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, ExchangeType, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := NewPublisher(ch, exchange, buffer)
	p.closeConn = conn.Close
	return p, nil
}

// RoutingKey is trade.<exchange>.<kind>, e.g. trade.bybit.new.
func RoutingKey(ex model.Exchange, kind service.ChangeKind) string {
	return fmt.Sprintf("trade.%s.%s", ex, kind)
}

func (p *Publisher) Emit(_ context.Context, changes []service.DomainChange) {
	for _, c := range changes {
		item := outbound{
			key: RoutingKey(c.Trade.Exchange, c.Kind),
			msg: Message{
				EventID:    uuid.NewString(),
				Kind:       string(c.Kind),
				UserID:     c.Trade.UserID,
				OccurredAt: c.At,
				Trade:      model.NewTradeEvent(c.Trade),
			},
		}
		select {
		case <-p.done:
			return
		default:
		}
		select {
		case p.queue <- item:
		default:
			metrics.PublisherDropped.Inc()
			logger.Warn("trade event publisher buffer full, dropping change",
				"trade_id", c.Trade.ExchangeTradeID,
				"routing_key", item.key,
			)
		}
	}
}

// Close drains queued changes, then closes the connection if Dial opened it.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		<-p.stopped
		if p.closeConn != nil {
			err = p.closeConn()
		}
	})
	return err
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case item := <-p.queue:
			p.publish(item)
		case <-p.done:
			for {
				select {
				case item := <-p.queue:
					p.publish(item)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(item outbound) {
	body, err := json.Marshal(item.msg)
	if err != nil {
		logger.Error("marshal trade event", "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, item.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.msg.EventID,
		Timestamp:    item.msg.OccurredAt,
		Body:         body,
	})
	if err != nil {
		logger.LogError(ctx, err, "publish trade event", "routing_key", item.key)
	}
}
