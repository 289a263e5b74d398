package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// requestPartitions sets the partition count for the pipeline topics.
// Per-job ordering relies on the job-id record key, not a single partition.
const requestPartitions = 4

// topicRetention maps each pipeline topic to how long its records stay.
// Requests are replayable for a day, summaries are ephemeral, and error
// notices stick around for a week of postmortems.
var topicRetention = map[string]time.Duration{
	TopicRequests: 24 * time.Hour,
	TopicResults:  time.Hour,
	TopicErrors:   7 * 24 * time.Hour,
}

// createTopicIfNotExists creates a topic with its retention config via the
// Kafka admin API. A TOPIC_ALREADY_EXISTS response is treated as success so
// every process can call this at startup.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	if retention, ok := topicRetention[topic]; ok {
		cfg := kmsg.NewCreateTopicsRequestTopicConfig()
		cfg.Name = "retention.ms"
		value := fmt.Sprintf("%d", retention.Milliseconds())
		cfg.Value = &value
		topicReq.Configs = append(topicReq.Configs, cfg)
	}

	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// Error code 36 is TOPIC_ALREADY_EXISTS.
			if topicResp.ErrorCode == 36 {
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}

	return nil
}
