// Package events publishes round settlements for downstream consumers
// (affiliate commissions, reporting).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	DefaultExchange        = "rgs.events"
	RoutingKeyRoundSettled = "round.settled"
)

// RoundSettled is emitted once per round after its settlement commits.
type RoundSettled struct {
	RoundID   string          `json:"roundId"`
	PlayerID  string          `json:"playerId"`
	GameKey   string          `json:"gameKey"`
	Mode      string          `json:"mode"`
	Status    string          `json:"status"`
	Bet       decimal.Decimal `json:"bet"`
	PrizeID   int64           `json:"prizeId"`
	Credited  decimal.Decimal `json:"credited"`
	SettledAt time.Time       `json:"settledAt"`
}

type Publisher interface {
	PublishRoundSettled(ctx context.Context, ev RoundSettled) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) PublishRoundSettled(context.Context, RoundSettled) error { return nil }
func (NopPublisher) Close() error                                          { return nil }

// AMQPPublisher writes JSON messages to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *zap.Logger
}

func NewAMQPPublisher(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, log: log}, nil
}

func (p *AMQPPublisher) PublishRoundSettled(_ context.Context, ev RoundSettled) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(p.exchange, RoutingKeyRoundSettled, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.RoundID,
		Timestamp:    ev.SettledAt,
		Body:         body,
	})
	if err != nil {
		p.log.Warn("round settlement publish failed", zap.String("round", ev.RoundID), zap.Error(err))
	}
	return err
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// Recorder keeps published events in memory. Tests and dry runs use it.
type Recorder struct {
	mu     sync.Mutex
	Events []RoundSettled
}

func (r *Recorder) PublishRoundSettled(_ context.Context, ev RoundSettled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Events)
}
