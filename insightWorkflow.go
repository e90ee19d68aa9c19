package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/mmdatafocus/erp_backend/workflow"
	"github.com/sirupsen/logrus"
)

// PushMessage is the envelope Pub/Sub push subscriptions POST to us.
type PushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

var errInvalidInsightMessage = errors.New("organization_id/event_type required")

// deliverInsight hands one Pub/Sub delivery to the engine and settles the outbox row.
// Returns whether the message should be acked.
func deliverInsight(ctx context.Context, logger *logrus.Logger, engine *workflow.InsightEngine, m config.InsightMessage, deliveryId string) bool {
	correlationId := m.CorrelationId
	if correlationId == "" {
		correlationId = deliveryId
	}
	procCtx := utils.SystemContext(ctx, m.OrganizationId, correlationId)
	switch engine.Handle(procCtx, m) {
	case workflow.HandleDone:
		workflow.MarkOutboxProcessed(ctx, engine.Store(), logger, m)
		return true
	case workflow.HandleBusy:
		// another delivery is mid-flight; let Pub/Sub redeliver without burning an attempt
		return false
	}
	// A DEAD row will never succeed; ack so Pub/Sub stops redelivering.
	return workflow.MarkOutboxProcessFailure(ctx, engine.Store(), logger, m, fmt.Errorf("insight delivery %s not handled", deliveryId))
}

func decodeInsightMessage(data []byte) (config.InsightMessage, error) {
	var m config.InsightMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.OrganizationId == "" || m.EventType == "" {
		return m, errInvalidInsightMessage
	}
	return m, nil
}

// RunInsightWorkflow starts pulling PUBSUB_SUBSCRIPTION in the background until ctx is cancelled.
func RunInsightWorkflow(ctx context.Context, engine *workflow.InsightEngine) error {
	logger := config.GetLogger()
	sub, err := config.EnsureInsightSubscription(ctx, config.InsightSubscriptionName())
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m, err := decodeInsightMessage(msg.Data)
		if err != nil {
			// Poison message: ack to avoid infinite redelivery.
			config.LogError(logger, "insightWorkflow.go", "RunInsightWorkflow", "decode pubsub message", string(msg.Data), err)
			msg.Ack()
			return
		}
		if deliverInsight(ctx, logger, engine, m, msg.ID) {
			msg.Ack()
			return
		}
		msg.Nack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "insightWorkflow.go", "RunInsightWorkflow", "receive messages", nil, err)
		}
	}()
	return nil
}

// insightPubSubHandler is the push-subscription endpoint. 204 acks, 500 asks
// Pub/Sub to retry.
func insightPubSubHandler(engine *workflow.InsightEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PushMessage
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "insightWorkflow.go", "insightPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "insightWorkflow.go", "insightPubSubHandler", "unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		m, err := decodeInsightMessage(msg.Message.Data)
		if err != nil {
			config.LogError(logger, "insightWorkflow.go", "insightPubSubHandler", "decode pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}

		if !deliverInsight(c.Request.Context(), logger, engine, m, msg.Message.ID) {
			logger.WithFields(logrus.Fields{
				"field":           "insightPubSubHandler",
				"organization_id": m.OrganizationId,
				"event_type":      m.EventType,
				"record_id":       m.ID,
				"message_id":      msg.Message.ID,
			}).Error("insight delivery failed; asking pubsub to retry")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
