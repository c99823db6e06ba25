// Package kafka implements the message queue port on Kafka topics, one topic
// per subject. It is the alternative to the NATS broker.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Strob0t/agentrelay/internal/logger"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	headerOrganization  = "X-Organization-Code"
	headerRetryCount    = "Retry-Count"
	headerError         = "X-Error"

	maxRetries = 3
	dlqSuffix  = ".dlq"
)

// Queue implements messagequeue.Queue on Kafka. Subscribers on the same
// subject share one consumer group, so each message is handled once.
type Queue struct {
	brokers   []string
	groupID   string
	writer    *kafka.Writer
	connected atomic.Bool

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
	closed  bool
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect verifies a broker is reachable and prepares the shared writer.
func Connect(ctx context.Context, brokers []string, groupID string) (*Queue, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka connect: no brokers")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka connect: %w", err)
	}
	_ = conn.Close()

	q := &Queue{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
	q.connected.Store(true)
	slog.Info("kafka connected", "brokers", strings.Join(brokers, ","), "group", groupID)
	return q, nil
}

// Publish writes data to the topic named after subject. Messages are keyed by
// organization so one tenant's messages stay ordered within a partition.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.write(ctx, kafka.Message{
		Topic:   subject,
		Key:     []byte(tenant.FromContext(ctx)),
		Value:   data,
		Headers: contextHeaders(ctx),
	})
}

func (q *Queue) write(ctx context.Context, msg kafka.Message) error {
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		q.connected.Store(false)
		return fmt.Errorf("kafka publish %s: %w", msg.Topic, err)
	}
	q.connected.Store(true)
	return nil
}

// Subscribe starts a group reader for subject. The returned function stops it.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.New("kafka subscribe: queue closed")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.brokers,
		GroupID:  q.groupID,
		Topic:    subject,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	q.readers = append(q.readers, r)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume(runCtx, r, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := r.Close(); err != nil {
				slog.Warn("kafka reader close failed", "topic", subject, "error", err)
			}
		})
	}, nil
}

func (q *Queue) consume(ctx context.Context, r *kafka.Reader, handler messagequeue.Handler) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			q.connected.Store(false)
			slog.Warn("kafka fetch failed", "topic", r.Config().Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		q.connected.Store(true)
		q.handle(ctx, msg, handler)
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("kafka commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// handle runs the handler once. Failed messages are re-published with an
// incremented retry count, and moved to the DLQ topic once retries run out.
// The original offset is committed either way.
func (q *Queue) handle(ctx context.Context, msg kafka.Message, handler messagequeue.Handler) {
	if err := messagequeue.Validate(msg.Topic, msg.Value); err != nil {
		slog.Warn("rejecting invalid message", "topic", msg.Topic, "error", err)
		q.moveToDLQ(ctx, msg, err)
		return
	}

	hctx := messageContext(msg.Headers)
	err := handler(hctx, msg.Topic, msg.Value)
	if err == nil {
		return
	}

	attempts := retryCount(msg.Headers) + 1
	if attempts >= maxRetries {
		slog.ErrorContext(hctx, "message handler exhausted retries", "topic", msg.Topic, "attempts", attempts, "error", err)
		q.moveToDLQ(ctx, msg, err)
		return
	}
	slog.ErrorContext(hctx, "message handler failed", "topic", msg.Topic, "attempt", attempts, "error", err)

	retry := kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: setHeader(msg.Headers, headerRetryCount, strconv.Itoa(attempts)),
	}
	if werr := q.write(ctx, retry); werr != nil {
		slog.Error("kafka retry publish failed", "topic", msg.Topic, "error", werr)
	}
}

// moveToDLQ publishes the message to topic.dlq. DLQ messages are dropped.
func (q *Queue) moveToDLQ(ctx context.Context, msg kafka.Message, cause error) {
	if strings.HasSuffix(msg.Topic, dlqSuffix) {
		return
	}
	dlq := kafka.Message{
		Topic:   msg.Topic + dlqSuffix,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: setHeader(msg.Headers, headerError, cause.Error()),
	}
	if err := q.write(ctx, dlq); err != nil {
		slog.Error("kafka dlq publish failed", "topic", dlq.Topic, "error", err)
	}
}

func contextHeaders(ctx context.Context) []kafka.Header {
	var hdrs []kafka.Header
	if id := logger.CorrelationID(ctx); id != "" {
		hdrs = append(hdrs, kafka.Header{Key: headerCorrelationID, Value: []byte(id)})
	}
	if org := tenant.FromContext(ctx); org != "" {
		hdrs = append(hdrs, kafka.Header{Key: headerOrganization, Value: []byte(org)})
	}
	return hdrs
}

func messageContext(hdrs []kafka.Header) context.Context {
	ctx := context.Background()
	if id := header(hdrs, headerCorrelationID); id != "" {
		ctx = logger.WithCorrelationID(ctx, id)
	}
	if org := header(hdrs, headerOrganization); org != "" {
		ctx = tenant.WithOrganization(ctx, org)
	}
	return ctx
}

func header(hdrs []kafka.Header, key string) string {
	for _, h := range hdrs {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// setHeader returns a copy of hdrs with key set to value.
func setHeader(hdrs []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(hdrs)+1)
	for _, h := range hdrs {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

func retryCount(hdrs []kafka.Header) int {
	n, err := strconv.Atoi(header(hdrs, headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

// Drain stops all readers, waits for in-flight handlers, then closes the writer.
func (q *Queue) Drain() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	readers := q.readers
	q.readers = nil
	q.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.wg.Wait()
	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	q.connected.Store(false)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafka drain: %w", err)
	}
	return nil
}

// IsConnected reports whether the last broker round trip succeeded.
func (q *Queue) IsConnected() bool {
	return q.connected.Load()
}

// Close shuts the queue down.
func (q *Queue) Close() error {
	return q.Drain()
}
