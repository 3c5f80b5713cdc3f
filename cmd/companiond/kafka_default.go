//go:build !enterprise
// +build !enterprise

package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"companiond/internal/config"
	"companiond/internal/orchestrator"
)

// startKafkaIngestion is a no-op in the default build: the Kafka async
// ingestion path (StartKafkaConsumer, broker admin) is gated behind the
// enterprise build tag. The synchronous REST/websocket paths are unaffected.
func startKafkaIngestion(_ context.Context, cfg config.KafkaConfig, _ string, _ orchestrator.Dispatcher) error {
	if len(cfg.BrokerList()) > 0 {
		log.Warn().Msg("kafka brokers configured but this build excludes async ingestion (build with -tags enterprise)")
	}
	return nil
}
