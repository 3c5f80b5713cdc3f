//go:build enterprise
// +build enterprise

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"companiond/internal/config"
	"companiond/internal/orchestrator"
)

// startKafkaIngestion verifies broker connectivity, ensures the events/
// responses/DLQ topics exist, and starts the consumer loop in the
// background. It is a no-op build (see kafka_default.go) unless built with
// -tags enterprise.
func startKafkaIngestion(ctx context.Context, cfg config.KafkaConfig, redisAddr string, disp orchestrator.Dispatcher) error {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		log.Info().Msg("no kafka brokers configured, skipping async ingestion")
		return nil
	}

	adminCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := orchestrator.CheckBrokers(adminCtx, brokers, 3*time.Second); err != nil {
		return fmt.Errorf("reach kafka brokers: %w", err)
	}

	topics := []kafka.TopicConfig{
		{Topic: cfg.CommandsTopic, NumPartitions: 1, ReplicationFactor: 1},
		{Topic: cfg.ResponsesTopic, NumPartitions: 1, ReplicationFactor: 1},
		{Topic: cfg.ResponsesTopic + ".dlq", NumPartitions: 1, ReplicationFactor: 1},
	}
	if err := orchestrator.EnsureTopics(adminCtx, brokers, topics); err != nil {
		return fmt.Errorf("ensure kafka topics: %w", err)
	}

	dedupeStore, err := orchestrator.NewRedisDedupeStore(redisAddr)
	if err != nil {
		return fmt.Errorf("init dedupe store: %w", err)
	}

	producer := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Balancer: &kafka.LeastBytes{}})

	go func() {
		defer producer.Close()
		defer dedupeStore.Close()
		if err := orchestrator.StartKafkaConsumer(
			ctx,
			brokers,
			cfg.GroupID,
			cfg.CommandsTopic,
			nil,
			producer,
			disp,
			dedupeStore,
			4,
			cfg.ResponsesTopic,
			10*time.Minute,
			10*time.Second,
		); err != nil {
			log.Error().Err(err).Msg("kafka consumer terminated")
		}
	}()

	log.Info().Strs("brokers", brokers).Str("events_topic", cfg.CommandsTopic).Msg("kafka async ingestion started")
	return nil
}
