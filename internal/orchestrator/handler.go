// Package orchestrator is the Kafka async-ingestion boundary (spec 12): the
// same Dispatcher pipeline the synchronous REST/websocket paths use, fed
// from a commands topic instead of an HTTP request. StartKafkaConsumer and
// the broker-admin helpers in kafka.go/kafka_admin.go are enterprise-build
// only (see DESIGN.md); this file has no build tag since a single-process
// deployment may still want to drain a commands topic with a standalone
// consumer loop wired by hand in cmd/companiond.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"companiond/internal/domain"
)

// Dispatcher is the subset of dispatcher.Dispatcher the Kafka consumer needs.
type Dispatcher interface {
	Handle(ctx context.Context, event domain.Event) (domain.Response, error)
}

// Producer abstracts the kafka writer behavior needed by the handler.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventEnvelope is the expected input message structure: a raw game event
// plus the routing metadata (correlation id, reply topic) that HTTP request
// headers would otherwise carry.
type EventEnvelope struct {
	CorrelationID string              `json:"correlation_id"`
	ReplyTopic    string              `json:"reply_topic,omitempty"`
	Tenant        string              `json:"tenant"`
	Game          string              `json:"game"`
	Player        string              `json:"player_id"`
	Kind          domain.EventKind    `json:"kind"`
	Payload       domain.Payload      `json:"payload"`
	Context       domain.EventContext `json:"context"`
	ClientSeq     uint64              `json:"client_seq"`
}

// ResultEnvelope is the output message structure (for both success and DLQ).
type ResultEnvelope struct {
	CorrelationID string           `json:"correlation_id"`
	Status        string           `json:"status"`
	Response      *domain.Response `json:"response,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// HandleEventMessage processes a single Kafka message containing an event
// envelope by running it through the Dispatcher and publishing either a
// success response or a DLQ message. Transient errors are returned so the
// caller may retry; non-transient errors are handled internally and nil is
// returned to allow committing the offset.
func HandleEventMessage(
	ctx context.Context,
	dispatcher Dispatcher,
	dedupe DedupeStore,
	producer Producer,
	msg kafka.Message,
	defaultReplyTopic string,
	dedupeTTL time.Duration,
	dispatchTimeout time.Duration,
) error {
	corrIDForLog := string(msg.Key)

	var evt EventEnvelope
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		publishDLQ(ctx, producer, defaultReplyTopic, corrIDForLog, fmt.Sprintf("malformed event JSON: %v", err))
		return nil
	}

	corrID := evt.CorrelationID
	if corrID == "" {
		publishDLQ(ctx, producer, pickReplyTopic(evt.ReplyTopic, defaultReplyTopic), corrIDForLog, "missing correlation_id")
		return nil
	}
	corrIDForLog = corrID

	if prev, err := dedupe.Get(ctx, corrID); err != nil {
		return fmt.Errorf("dedupe get failed: %w", err)
	} else if prev != "" {
		log.Printf("dedupe hit, skipping processing (corr_id=%s)", corrID)
		return nil
	}

	if evt.Tenant == "" || evt.Player == "" || !domain.ValidEventKinds[evt.Kind] {
		publishDLQ(ctx, producer, pickReplyTopic(evt.ReplyTopic, defaultReplyTopic), corrID, "invalid event")
		return nil
	}

	replyTopic := pickReplyTopic(evt.ReplyTopic, defaultReplyTopic)

	var runCtx context.Context = ctx
	var cancel context.CancelFunc = func() {}
	if dispatchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, dispatchTimeout)
	}
	defer cancel()

	event := domain.Event{
		Tenant:     evt.Tenant,
		Game:       evt.Game,
		Player:     evt.Player,
		Kind:       evt.Kind,
		Payload:    evt.Payload,
		Context:    evt.Context,
		ClientSeq:  evt.ClientSeq,
		ReceivedAt: time.Now().UTC(),
	}

	resp, err := dispatcher.Handle(runCtx, event)
	if err != nil {
		if isTransientError(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("transient dispatch error (corr_id=%s): %w", corrID, err)
		}
		publishDLQ(ctx, producer, replyTopic, corrID, err.Error())
		return nil
	}

	out := ResultEnvelope{CorrelationID: corrID, Status: "success", Response: &resp}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("response marshal failed (corr_id=%s): %w", corrID, err)
	}
	if werr := producer.WriteMessages(ctx, kafka.Message{Topic: replyTopic, Key: []byte(corrID), Value: payload}); werr != nil {
		return fmt.Errorf("producer write failed (corr_id=%s): %w", corrID, werr)
	}

	if err := dedupe.Set(ctx, corrID, string(payload), dedupeTTL); err != nil {
		return fmt.Errorf("dedupe set failed (corr_id=%s): %w", corrID, err)
	}

	log.Printf("processed event successfully (corr_id=%s, tenant=%s, player=%s)", corrID, evt.Tenant, evt.Player)
	return nil
}

func publishDLQ(ctx context.Context, producer Producer, replyTopic, corrID, reason string) {
	env := ResultEnvelope{CorrelationID: corrID, Status: "error", Error: reason}
	payload, _ := json.Marshal(env)
	dlqTopic := dlqTopicFor(replyTopic)
	if dlqTopic == "" {
		log.Printf("no reply topic to derive DLQ from (corr_id=%s): %s", corrID, reason)
		return
	}
	if werr := producer.WriteMessages(ctx, kafka.Message{Topic: dlqTopic, Key: []byte(corrID), Value: payload}); werr != nil {
		log.Printf("failed to publish DLQ (corr_id=%s): %v", corrID, werr)
	} else {
		log.Printf("published DLQ (corr_id=%s) to topic=%s: %s", corrID, dlqTopic, reason)
	}
}

func pickReplyTopic(msgTopic, defaultTopic string) string {
	if t := strings.TrimSpace(msgTopic); t != "" {
		return t
	}
	return defaultTopic
}

// dlqTopicFor returns a DLQ topic name for a given reply topic. If the
// provided topic already ends with ".dlq", it is returned unchanged. This
// avoids creating topics like "responses.dlq.dlq" when callers provide a
// reply topic that already targets the DLQ.
func dlqTopicFor(replyTopic string) string {
	rt := strings.TrimSpace(replyTopic)
	if rt == "" {
		return ""
	}
	if strings.HasSuffix(rt, ".dlq") {
		return rt
	}
	return rt + ".dlq"
}

// isTransientError performs a simple heuristic on error text for transient cases.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "temporary") ||
		strings.Contains(s, "temporarily unavailable") ||
		strings.Contains(s, "transient") ||
		strings.Contains(s, "retry") ||
		strings.Contains(s, "too many requests")
}
