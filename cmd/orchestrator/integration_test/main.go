// Command integration_test is a manual smoke tool for the Kafka async
// ingestion path (enterprise build): it publishes one event envelope to the
// events topic and waits for the matching correlation id on the responses
// topic.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
)

// eventEnvelope mirrors orchestrator.EventEnvelope (minimal, standalone copy
// so this tool has no dependency on the module's internal packages).
type eventEnvelope struct {
	CorrelationID string         `json:"correlation_id"`
	ReplyTopic    string         `json:"reply_topic,omitempty"`
	Tenant        string         `json:"tenant"`
	Game          string         `json:"game"`
	Player        string         `json:"player_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload"`
	Context       map[string]any `json:"context"`
	ClientSeq     uint64         `json:"client_seq"`
}

// resultEnvelope mirrors orchestrator.ResultEnvelope (minimal).
type resultEnvelope struct {
	CorrelationID string         `json:"correlation_id"`
	Status        string         `json:"status"`
	Response      map[string]any `json:"response,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func genID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("id-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	eventsTopic := flag.String("events-topic", "companion.events", "events topic")
	responsesTopic := flag.String("responses-topic", "companion.responses", "responses topic")
	timeout := flag.Duration("timeout", 15*time.Second, "wait timeout for response")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	corr := genID(8)
	evt := eventEnvelope{
		CorrelationID: corr,
		ReplyTopic:    *responsesTopic,
		Tenant:        "demo",
		Game:          "smoke-test",
		Player:        "player-" + corr[:4],
		Kind:          "player.victory",
		Payload:       map[string]any{"nickname": "Smoke"},
		Context:       map[string]any{},
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Fatalf("failed to marshal event: %v", err)
	}

	w := kafka.NewWriter(kafka.WriterConfig{Brokers: []string{*brokers}, Topic: *eventsTopic})
	defer w.Close()

	msg := kafka.Message{Key: []byte(corr), Value: payload}
	if err := w.WriteMessages(context.Background(), msg); err != nil {
		log.Fatalf("failed to write event message: %v", err)
	}
	fmt.Printf("published event corr_id=%s to topic=%s\n", corr, *eventsTopic)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: []string{*brokers}, GroupID: "integration-test-reader-" + corr, Topic: *responsesTopic, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Fatalf("timeout waiting for response (corr_id=%s)", corr)
			}
			log.Fatalf("fetch error: %v", err)
		}
		var resp resultEnvelope
		if err := json.Unmarshal(m.Value, &resp); err != nil {
			_ = r.CommitMessages(context.Background(), m)
			continue
		}
		if resp.CorrelationID == corr {
			b, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(b))
			_ = r.CommitMessages(context.Background(), m)
			os.Exit(0)
		}
		_ = r.CommitMessages(context.Background(), m)
	}
}
