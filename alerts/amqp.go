package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of an AMQP channel used to publish alerts
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPHandler publishes alerts to a message broker exchange so downstream
// consumers (pagers, dashboards) can subscribe to them.
type AMQPHandler struct {
	name       string
	channel    Publisher
	exchange   string
	routingKey string
}

// NewAMQPHandler creates a broker-backed alert sink. routingKey may contain
// %s, substituted with the alert level.
func NewAMQPHandler(name string, channel Publisher, exchange, routingKey string) *AMQPHandler {
	if routingKey == "" {
		routingKey = "alerts.%s"
	}
	return &AMQPHandler{
		name:       name,
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

func (h *AMQPHandler) Name() string {
	return h.name
}

// HandleAlert implements Handler
func (h *AMQPHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	key := h.routingKey
	if containsVerb(key) {
		key = fmt.Sprintf(h.routingKey, alert.Level)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         "alert",
		Body:         body,
	}

	if err := h.channel.PublishWithContext(ctx, h.exchange, key, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

func containsVerb(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '%' && s[i+1] == 's' {
			return true
		}
	}
	return false
}
