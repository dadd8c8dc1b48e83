// Package pubsub implements the dispatch queue on Google Cloud Pub/Sub.
//
// Enqueue publishes requests to a topic and Dequeue receives them from the
// paired subscription, so requests accepted before a process restart are
// redelivered to the next worker that comes up.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// deliveryBuffer holds decoded messages between the receiver and Dequeue
// callers. Anything beyond this stays unacked on the subscription.
const deliveryBuffer = 16

// Config identifies the topic and subscription backing the queue.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string

	// MaxOutstanding caps how many received messages the client holds
	// unacked at once. Zero keeps the library default.
	MaxOutstanding int
}

func (c Config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("pubsub project id is required")
	}
	if c.TopicID == "" {
		return fmt.Errorf("pubsub topic id is required")
	}
	if c.SubscriptionID == "" {
		return fmt.Errorf("pubsub subscription id is required")
	}
	return nil
}

// Queue is a rotation.Queue backed by a Pub/Sub topic and subscription.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	logger     *zap.Logger

	delivery chan rotation.Request

	recvCancel context.CancelFunc
	recvDone   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New connects to Pub/Sub with application default credentials and wires the
// configured topic and subscription. The returned queue owns the client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("closing pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

// NewWithClient builds the queue on an existing client. The caller keeps
// ownership of the client and closes it after the queue.
func NewWithClient(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	sub := client.Subscription(cfg.SubscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", cfg.SubscriptionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:     client,
		topic:      topic,
		sub:        sub,
		logger:     logger,
		delivery:   make(chan rotation.Request, deliveryBuffer),
		recvCancel: cancel,
		recvDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go q.receive(recvCtx)
	return q, nil
}

// Enqueue publishes the request and waits for the server to confirm it, so a
// caller never gets an accepted request the queue silently lost.
func (q *Queue) Enqueue(ctx context.Context, req rotation.Request) error {
	select {
	case <-q.closed:
		return rotation.ErrQueueClosed
	default:
	}
	data, err := json.Marshal(wireRequest(req))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

// Dequeue returns the next request from the subscription. It blocks until a
// message arrives, the context ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (rotation.Request, error) {
	select {
	case req, ok := <-q.delivery:
		if !ok {
			return rotation.Request{}, rotation.ErrQueueClosed
		}
		return req, nil
	case <-ctx.Done():
		return rotation.Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Close stops the receiver, flushes pending publishes, and, when the queue
// created its own client, closes it. Received but undelivered messages are
// nacked so the subscription redelivers them.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.recvCancel()
		<-q.recvDone
		close(q.delivery)
		q.topic.Stop()
		if q.ownsClient {
			q.closeErr = q.client.Close()
		}
	})
	return q.closeErr
}

// receive pumps subscription messages into the delivery channel until the
// queue closes. Malformed messages are acked and dropped since redelivery
// cannot repair them.
func (q *Queue) receive(ctx context.Context) {
	defer close(q.recvDone)
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req, err := decodeRequest(msg.Data)
		if err != nil {
			q.logger.Warn("dropping malformed queue message",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.delivery <- req:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// envelope is the wire form of a queued request.
type envelope struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	UseHeadless bool              `json:"use_headless,omitempty"`
}

func wireRequest(req rotation.Request) envelope {
	return envelope{
		ID:          req.ID,
		URL:         req.URL,
		Method:      req.Method,
		Headers:     req.Headers,
		UseHeadless: req.UseHeadless,
	}
}

func decodeRequest(data []byte) (rotation.Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return rotation.Request{}, fmt.Errorf("decode request: %w", err)
	}
	if env.URL == "" {
		return rotation.Request{}, fmt.Errorf("queued request has no url")
	}
	return rotation.Request{
		ID:          env.ID,
		URL:         env.URL,
		Method:      env.Method,
		Headers:     env.Headers,
		UseHeadless: env.UseHeadless,
	}, nil
}
