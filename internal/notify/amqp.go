package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"winston-vpn/internal/models"
)

// ExchangeName is the topic exchange notifications are published to.
const ExchangeName = "vpn.notifications"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender hands notifications to an external delivery service over
// RabbitMQ instead of calling Telegram directly.
type AMQPSender struct {
	conn     *amqp.Connection
	channel  publisher
	exchange string
	logger   *zap.Logger
	mu       sync.Mutex
}

type amqpPayload struct {
	NotificationID uint      `json:"notification_id"`
	UserID         uint      `json:"user_id"`
	TelegramID     int64     `json:"telegram_id"`
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewAMQPSender(url string, logger *zap.Logger) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("RabbitMQ notification sender connected", zap.String("exchange", ExchangeName))
	return &AMQPSender{conn: conn, channel: ch, exchange: ExchangeName, logger: logger}, nil
}

func RoutingKey(n models.Notification) string {
	return "notification." + n.Type
}

func (s *AMQPSender) Send(ctx context.Context, telegramID int64, n models.Notification) error {
	body, err := json.Marshal(amqpPayload{
		NotificationID: n.ID,
		UserID:         n.UserID,
		TelegramID:     telegramID,
		Type:           n.Type,
		Message:        n.Message,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(ctx,
		s.exchange,
		RoutingKey(n),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    fmt.Sprintf("notification-%d", n.ID),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	s.logger.Debug("notification published", zap.String("routing_key", RoutingKey(n)), zap.Int("size", len(body)))
	return nil
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channel.(*amqp.Channel); ok && ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Warn("error closing channel", zap.Error(err))
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// LogSender only logs. It is used when no transport is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, telegramID int64, n models.Notification) error {
	s.Logger.Info("notification (log only)",
		zap.Int64("telegram_id", telegramID),
		zap.String("type", n.Type),
		zap.String("message", n.Message),
	)
	return nil
}
