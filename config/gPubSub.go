package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// InsightMessage is the wire shape of one outbox row on the insight topic.
type InsightMessage struct {
	ID             int       `json:"id"`
	OrganizationId string    `json:"organization_id"`
	EventType      string    `json:"event_type"`
	ReferenceId    int       `json:"reference_id"`
	Payload        []byte    `json:"payload"`
	OccurredAt     time.Time `json:"occurred_at"`
	CorrelationId  string    `json:"correlation_id"`
}

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	insightTopic *pubsub.Topic
)

// PubSubEnabled reports whether the insight topic is configured.
// Without it the outbox is drained in-process only.
func PubSubEnabled() bool {
	return pubSubProjectID() != "" && insightTopicName() != ""
}

func insightTopicName() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_TOPIC"))
}

// InsightSubscriptionName is the pull subscription; empty disables the pull subscriber.
func InsightSubscriptionName() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_SUBSCRIPTION"))
}

func pubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// GetClient returns the shared Pub/Sub client, dialing with retries on first use.
// PUBSUB_CREDENTIALS_JSON overrides Application Default Credentials.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			logg.WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt}).Info("pubsub client ready")
			return c, nil
		}
		sleep := retryBackoff(attempt)
		logg.WithFields(logrus.Fields{
			"project_id": projectID,
			"attempt":    attempt,
			"retry":      sleep.String(),
		}).WithError(err).Warn("pubsub client init failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// topicHandle reuses one Topic so its publish bundler is not rebuilt per message.
func topicHandle(ctx context.Context) (*pubsub.Topic, error) {
	name := insightTopicName()
	if name == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}
	client, err := GetClient(ctx)
	if err != nil {
		return nil, err
	}
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if insightTopic == nil {
		insightTopic = client.Topic(name)
	}
	return insightTopic, nil
}

// EnsureInsightSubscription creates the insight topic and the named subscription when missing.
func EnsureInsightSubscription(ctx context.Context, name string) (*pubsub.Subscription, error) {
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	client, err := GetClient(ctx)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(insightTopicName())
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic exists: %w", err)
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, insightTopicName()); err != nil {
			return nil, fmt.Errorf("create topic %q: %w", insightTopicName(), err)
		}
	}

	sub := client.Subscription(name)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if ok {
		return sub, nil
	}
	sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: time.Duration(intFromEnv("PUBSUB_ACK_DEADLINE_SECONDS", 20)) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// PublishInsightMessageWithResult publishes and returns the server-assigned message ID.
func PublishInsightMessageWithResult(ctx context.Context, msg InsightMessage) (string, error) {
	topic, err := topicHandle(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"organization_id": msg.OrganizationId,
			"event_type":      msg.EventType,
			"correlation_id":  msg.CorrelationId,
		},
	})
	return result.Get(ctx)
}

// ClosePubSub flushes the topic and closes the client on shutdown.
func ClosePubSub() {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if insightTopic != nil {
		insightTopic.Stop()
		insightTopic = nil
	}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
