package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery and reports whether it may be acknowledged.
type Handler func(body []byte) bool

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// ConsumeWithBindings binds queueName to exchange for every pattern in
// bindings and dispatches deliveries to the handler of the first pattern
// matching the delivery's routing key. Failed deliveries are requeued.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for pattern, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[pattern] = handler
		if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := resolveHandler(handlers, d.RoutingKey)
			if !ok {
				c.logger.Warn("no handler for routing key; dropping", zap.String("routing_key", d.RoutingKey))
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				c.logger.Warn("handler failed; requeuing", zap.String("routing_key", d.RoutingKey))
				d.Nack(false, !d.Redelivered)
			}
		}
		c.logger.Info("delivery channel closed", zap.String("queue", q.Name))
	}()

	return nil
}

func resolveHandler(handlers map[string]Handler, routingKey string) (Handler, bool) {
	if handler, ok := handlers[routingKey]; ok {
		return handler, true
	}
	for pattern, handler := range handlers {
		if MatchRoutingKey(pattern, routingKey) {
			return handler, true
		}
	}
	return nil, false
}

// MatchRoutingKey applies topic-exchange matching: `*` matches exactly one
// word and `#` matches zero or more.
func MatchRoutingKey(pattern, routingKey string) bool {
	return matchWords(splitWords(pattern), splitWords(routingKey))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchWords(pattern[1:], key[1:])
	}
}

func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	words := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			words = append(words, s[start:i])
			start = i + 1
		}
	}
	return append(words, s[start:])
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
