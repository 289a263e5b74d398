// Package redpanda provides Redpanda/Kafka queue integration.
//
// It handles job envelope publishing and consumption for the poster
// pipeline. Records are keyed by job id so every envelope of a job
// lands on the same partition and is observed in order.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/domain"
)

const (
	// TopicRequests carries one self-contained job envelope per submission.
	TopicRequests = "poster-requests"
	// TopicResults carries job-level completion summaries.
	TopicResults = "poster-results"
	// TopicErrors carries job-level failure notices.
	TopicErrors = "poster-errors"
)

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	// Serializes transactions; the franz-go transactional producer is
	// single-flight per transactional id.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "posterforge-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, useful for test isolation.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, topic := range []string{TopicRequests, TopicResults, TopicErrors} {
		if err := createTopicIfNotExists(ctx, client, topic, requestPartitions, 1); err != nil {
			// Topic may already exist or the broker may auto-create.
			slog.Warn("failed to create topic", slog.String("topic", topic), slog.Any("error", err))
		}
	}

	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// PublishJob publishes a job envelope to the requests topic.
func (p *Producer) PublishJob(ctx domain.Context, spec domain.JobSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}
	rec := &kgo.Record{
		Topic: TopicRequests,
		Key:   []byte(spec.JobID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(spec.JobID)},
			{Key: "kind", Value: []byte(spec.Kind)},
		},
	}
	if err := p.produce(ctx, rec); err != nil {
		return err
	}
	observability.EnqueueJob(string(spec.Kind))
	slog.Info("job envelope published",
		slog.String("job_id", spec.JobID),
		slog.String("kind", string(spec.Kind)),
		slog.Int("items", spec.ItemCount()))
	return nil
}

// PublishResult publishes a job-level completion summary.
func (p *Producer) PublishResult(ctx domain.Context, jobID string, summary map[string]any) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return p.produce(ctx, &kgo.Record{
		Topic: TopicResults,
		Key:   []byte(jobID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(jobID)},
		},
	})
}

// PublishError publishes a job-level failure notice.
func (p *Producer) PublishError(ctx domain.Context, jobID string, errMsg string) error {
	payload, err := json.Marshal(map[string]any{"job_id": jobID, "error": errMsg})
	if err != nil {
		return fmt.Errorf("marshal error notice: %w", err)
	}
	return p.produce(ctx, &kgo.Record{
		Topic: TopicErrors,
		Key:   []byte(jobID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(jobID)},
		},
	})
}

// produce sends one record inside its own transaction.
func (p *Producer) produce(ctx context.Context, rec *kgo.Record) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, rec, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks broker connectivity, for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
