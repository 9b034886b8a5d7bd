package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"offramp/internal/ledger"
	"offramp/internal/payout"
)

const DefaultExchange = "offramp_events"

// Transition is the message published whenever a ledger record changes
// status. The phone number is masked.
type Transition struct {
	EventID           string    `json:"event_id"`
	TransactionID     string    `json:"transaction_id"`
	Status            string    `json:"status"`
	Provider          string    `json:"provider"`
	ChainID           int64     `json:"chain_id"`
	SourceAmount      string    `json:"source_amount"`
	TargetAmount      string    `json:"target_amount"`
	Phone             string    `json:"phone"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	ProviderReceipt   string    `json:"provider_receipt,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	Version           int       `json:"version"`
	OccurredAt        time.Time `json:"occurred_at"`
}

func NewTransition(r ledger.Record) Transition {
	return Transition{
		EventID:           uuid.NewString(),
		TransactionID:     r.TransactionID,
		Status:            string(r.Status),
		Provider:          r.Provider,
		ChainID:           r.ChainID,
		SourceAmount:      r.SourceAmount.String(),
		TargetAmount:      r.TargetAmount.String(),
		Phone:             payout.MaskPhone(r.PhoneNumber),
		CheckoutRequestID: r.CheckoutRequestID,
		ProviderReceipt:   r.ProviderReceipt,
		FailureReason:     r.FailureReason,
		Version:           r.Version,
		OccurredAt:        r.UpdatedAt,
	}
}

// RoutingKey is offramp.transaction.<status>.
func RoutingKey(status ledger.Status) string {
	return "offramp.transaction." + string(status)
}

// Publisher announces ledger transitions to downstream consumers.
type Publisher interface {
	PublishTransition(ctx context.Context, r ledger.Record) error
	Close()
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct {
	Logger *zap.Logger
}

func (p NoopPublisher) PublishTransition(_ context.Context, r ledger.Record) error {
	if p.Logger != nil {
		p.Logger.Debug("event publish skipped, no broker configured",
			zap.String("transaction_id", r.TransactionID),
			zap.String("status", string(r.Status)))
	}
	return nil
}

func (NoopPublisher) Close() {}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes transitions to a durable topic exchange.
type RabbitPublisher struct {
	exchange string
	logger   *zap.Logger
	conn     *amqp.Connection
	reopen   func() (amqpChannel, error)

	mu sync.Mutex
	ch amqpChannel
}

func NewRabbitPublisher(rawURL, exchange string, logger *zap.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	p, err := newRabbitPublisher(exchange, logger, func() (amqpChannel, error) { return conn.Channel() })
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(exchange string, logger *zap.Logger, open func() (amqpChannel, error)) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &RabbitPublisher{exchange: exchange, logger: logger, reopen: open}
	ch, err := p.openChannel()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return p, nil
}

func (p *RabbitPublisher) openChannel() (amqpChannel, error) {
	ch, err := p.reopen()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return ch, nil
}

// PublishTransition publishes r, reopening the channel once if the first
// attempt fails.
func (p *RabbitPublisher) PublishTransition(ctx context.Context, r ledger.Record) error {
	body, err := json.Marshal(NewTransition(r))
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.TransactionID + ":" + fmt.Sprint(r.Version),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	key := RoutingKey(r.Status)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed, reopening channel",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", key),
		zap.Error(err))

	ch, openErr := p.openChannel()
	if openErr != nil {
		return errors.Join(err, openErr)
	}
	_ = p.ch.Close()
	p.ch = ch
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

// Ping reports whether the broker connection is still open.
func (p *RabbitPublisher) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || (p.conn != nil && p.conn.IsClosed()) {
		return amqp.ErrClosed
	}
	return nil
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), `"'`)
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must use amqp:// or amqps://")
	}
	return clean, nil
}
