// Package notify publishes processing events to Kafka so downstream
// consumers can pick up artifacts as they land instead of polling the
// output tree.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/route-beacon/peer-stats/internal/broker"
	"github.com/route-beacon/peer-stats/internal/config"
	"github.com/route-beacon/peer-stats/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Event is the message body published after one dump's artifacts are
// written. Paths are local to the host that ran the bootstrap.
type Event struct {
	Collector  string    `json:"collector"`
	Project    string    `json:"project"`
	Date       string    `json:"date"`
	RIBDumpURL string    `json:"rib_dump_url"`
	Paths      []string  `json:"paths"`
	EmittedAt  time.Time `json:"emitted_at"`
}

type Kafka struct {
	client *kgo.Client
	logger *zap.Logger
}

func NewKafka(cfg config.KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: create kafka client: %w", err)
	}
	return &Kafka{client: client, logger: logger}, nil
}

// Processed publishes one event, keyed by collector so per-collector
// ordering holds within a partition.
func (k *Kafka) Processed(ctx context.Context, item broker.Item, date string, paths []string) error {
	event := Event{
		Collector:  item.Collector,
		Project:    item.Project,
		Date:       date,
		RIBDumpURL: item.URL,
		Paths:      paths,
		EmittedAt:  time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	record := &kgo.Record{Key: []byte(item.Collector), Value: value}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		metrics.NotifyEventsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify: produce event: %w", err)
	}

	metrics.NotifyEventsTotal.WithLabelValues("ok").Inc()
	k.logger.Debug("published processing event",
		zap.String("collector", item.Collector),
		zap.String("date", date),
	)
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}
