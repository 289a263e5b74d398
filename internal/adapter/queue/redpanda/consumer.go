package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/posterforge/internal/domain"
	"github.com/fairyhunter13/posterforge/internal/observability"
)

// EnvelopeHandler processes one job envelope end to end. The handler owns
// the per-item fan-out; the consumer hands it whole jobs, one at a time,
// so job-level ordering per partition is preserved.
type EnvelopeHandler interface {
	HandleEnvelope(ctx domain.Context, spec domain.JobSpec) error
}

// Consumer wraps a Kafka consumer with exactly-once processing semantics.
type Consumer struct {
	session *kgo.GroupTransactSession
	handler EnvelopeHandler

	groupID string
	topic   string

	adaptivePoller *AdaptivePoller
	shutdown       chan struct{}
}

// NewConsumer constructs a Consumer with exactly-once semantics.
func NewConsumer(brokers []string, groupID string, handler EnvelopeHandler) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, "posterforge-consumer", TopicRequests, handler)
}

// NewConsumerWithTopic constructs a Consumer with a custom transactional ID
// and topic. Tests use this to avoid conflicts between parallel consumers.
func NewConsumerWithTopic(brokers []string, groupID, transactionalID, topic string, handler EnvelopeHandler) (*Consumer, error) {
	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("transactional_id", transactionalID),
		slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if handler == nil {
		return nil, fmt.Errorf("missing envelope handler")
	}

	// Ensure the topic exists before joining the group.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	defer tempClient.Close()
	if err := createTopicIfNotExists(ctx, tempClient, topic, requestPartitions, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),

		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(10 * time.Second),
		kgo.FetchMinBytes(512),
		kgo.FetchMaxPartitionBytes(2 * 1024 * 1024),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	slog.Info("redpanda consumer created",
		slog.String("group_id", groupID),
		slog.String("topic", topic))
	return &Consumer{
		session:        session,
		handler:        handler,
		groupID:        groupID,
		topic:          topic,
		adaptivePoller: NewAdaptivePoller(100 * time.Millisecond),
		shutdown:       make(chan struct{}),
	}, nil
}

// pollerStatsInterval is how often the poll loop logs its health window.
const pollerStatsInterval = time.Minute

// Start begins consuming job envelopes. Envelopes are processed one at a
// time; the handler parallelizes items internally.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting redpanda consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic))

	statsTicker := time.NewTicker(pollerStatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("redpanda consumer shutting down")
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		select {
		case <-statsTicker.C:
			slog.Info("poll loop health",
				slog.String("group_id", c.groupID),
				slog.Bool("healthy", c.adaptivePoller.IsHealthy()),
				slog.Any("stats", c.adaptivePoller.GetStats()))
			// Fresh window so each line covers recent polls only.
			c.adaptivePoller.Reset()
		default:
		}

		nextInterval := c.adaptivePoller.GetNextInterval()
		fetches := c.session.PollFetches(ctx)

		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, ferr := range errs {
				slog.Error("fetch error",
					slog.String("topic", ferr.Topic),
					slog.Int("partition", int(ferr.Partition)),
					slog.Any("error", ferr.Err))
				if ferr.Err != nil && (ferr.Err.Error() == "unable to dial" || strings.Contains(ferr.Err.Error(), "context canceled")) {
					fatal = true
				}
			}
			if fatal {
				return fmt.Errorf("fatal fetch error")
			}
			c.adaptivePoller.RecordFailure()
			time.Sleep(nextInterval)
			continue
		}

		if fetches.NumRecords() == 0 {
			c.adaptivePoller.RecordSuccess()
			time.Sleep(nextInterval)
			continue
		}

		c.adaptivePoller.RecordSuccess()
		fetches.EachRecord(func(record *kgo.Record) {
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("failed to process envelope",
					slog.Int64("offset", record.Offset),
					slog.Int("partition", int(record.Partition)),
					slog.Any("error", err))
			}
		})
	}
}

// processRecord decodes and handles a single job envelope.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessJobEnvelope")
	defer span.End()

	var spec domain.JobSpec
	if err := json.Unmarshal(record.Value, &spec); err != nil {
		// Poison record. Log and move on so the partition is not blocked.
		slog.Error("failed to unmarshal job envelope",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return nil
	}

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", spec.JobID),
		slog.String("kind", string(spec.Kind)),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	lg.Info("processing job envelope",
		slog.Int64("offset", record.Offset),
		slog.Int("partition", int(record.Partition)),
		slog.Int("items", spec.ItemCount()))

	if err := c.handler.HandleEnvelope(ctx, spec); err != nil {
		lg.Error("job envelope failed", slog.Any("error", err))
		return err
	}

	lg.Info("job envelope completed")
	return nil
}

// Close shuts down the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return nil
}
