package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records handled per poll
	MaxPollRecords int
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
}

// DefaultConsumerConfig returns defaults for status ingest
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:19092"},
		GroupID:             "careflow-status-ingest",
		Topics:              StatusTopics,
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      500,
		StartOffset:         "earliest",
	}
}

// ConsumedMessage represents a consumed message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// MessageHandler is called for each consumed message. A returned error
// means the message should be delivered again.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Executor runs handler calls. Calls with the same key must run in
// submission order.
type Executor interface {
	Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (<-chan error, error)
}

// inline runs every call on the polling goroutine
type inline struct{}

func (inline) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (<-chan error, error) {
	res := make(chan error, 1)
	res <- fn(ctx)
	return res, nil
}

// Consumer reads a poll's records, hands them to the executor and commits
// each partition up to its first failed record. A failed record rewinds its
// partition so it is fetched again.
type Consumer struct {
	client   *kgo.Client
	config   ConsumerConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	handler  MessageHandler
	executor Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a new consumer. A nil executor runs handlers inline.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, executor Executor, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if executor == nil {
		executor = inline{}
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:   client,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("redpanda-consumer"),
		handler:  handler,
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop finishes the current poll, commits and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

func (c *Consumer) processBatch(records []*kgo.Record) {
	results := make([]<-chan error, len(records))
	for i, record := range records {
		record := record
		res, err := c.executor.Submit(c.ctx, string(record.Key), func(ctx context.Context) error {
			return c.processRecord(ctx, record)
		})
		if err != nil {
			failed := make(chan error, 1)
			failed <- err
			res = failed
		}
		results[i] = res
	}

	var (
		commit []*kgo.Record
		rewind = make(map[string]map[int32]kgo.EpochOffset)
		failed = make(map[partitionKey]bool)
	)
	for i, record := range records {
		err := <-results[i]
		pk := partitionKey{record.Topic, record.Partition}
		if failed[pk] {
			continue
		}
		if err != nil {
			failed[pk] = true
			if rewind[record.Topic] == nil {
				rewind[record.Topic] = make(map[int32]kgo.EpochOffset)
			}
			rewind[record.Topic][record.Partition] = kgo.EpochOffset{Epoch: record.LeaderEpoch, Offset: record.Offset}
			continue
		}
		commit = append(commit, record)
	}

	if len(commit) > 0 {
		c.client.MarkCommitRecords(commit...)
		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
	if len(rewind) > 0 && c.ctx.Err() == nil {
		c.logger.Warn("rewinding partitions after handler failure", zap.Any("offsets", rewind))
		c.client.SetOffsets(rewind)
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return err
	}
	return nil
}
