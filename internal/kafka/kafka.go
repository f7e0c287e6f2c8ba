// Package kafka publishes domain messages to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/checkout"
)

// Writer is the subset of *kafka.Writer used by publishers.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client holds the broker list.
type Client struct {
	Brokers []string
}

// NewClient parses a comma separated broker list.
func NewClient(brokersCSV string) *Client {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers}
}

// Enabled reports whether any broker is configured.
func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewWriter returns a writer for the topic. Messages with the same key land
// on the same partition.
func (c *Client) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewAsyncWriter returns a writer whose WriteMessages only enqueues. Delivery
// failures are logged to lg. Close flushes what is still queued.
func (c *Client) NewAsyncWriter(topic string, lg *zap.Logger) *kafka.Writer {
	w := c.NewWriter(topic)
	w.Async = true
	w.Completion = func(msgs []kafka.Message, err error) {
		if err != nil {
			lg.Error("Kafka async write failed",
				zap.String("topic", topic),
				zap.Int("messages", len(msgs)),
				zap.Error(err),
			)
		}
	}
	return w
}

// Ping dials the first reachable broker.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return errors.New("kafka disabled")
	}
	var lastErr error
	for _, b := range c.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return errors.Wrap(lastErr, "dial kafka")
}

// Message encodes payload as a JSON message.
func Message(key string, payload any, headers map[string]string) (kafka.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "encode message")
	}
	msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now().UTC()}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg, nil
}

// PublishJSON writes a single JSON message.
func PublishJSON(ctx context.Context, w Writer, key string, payload any) error {
	msg, err := Message(key, payload, nil)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

var _ checkout.Mailer = (*Mailer)(nil)

// Mailer hands emails to the notification service through a topic. Give it
// an async writer so a broker outage never delays the caller.
type Mailer struct {
	w Writer
}

// NewMailer creates a Mailer writing to w.
func NewMailer(w Writer) *Mailer {
	return &Mailer{w: w}
}

// Send publishes the email keyed by recipient.
func (m *Mailer) Send(ctx context.Context, e checkout.Email) error {
	return PublishJSON(ctx, m.w, strings.ToLower(e.To), e)
}
