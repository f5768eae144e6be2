// Package statebus publishes payout lifecycle events to Kafka so payment
// operators and downstream reconcilers see state changes without polling
// the API.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is one lifecycle record. Kind names the transition
// ("payout.created", "payout.hold", "payout.done", "issue.funded").
type Event struct {
	Kind        string   `json:"kind"`
	RepoKey     string   `json:"repo_key"`
	IssueNumber int64    `json:"issue_number,omitempty"`
	PRNumber    int64    `json:"pr_number,omitempty"`
	Status      string   `json:"status,omitempty"`
	AmountUsd   int64    `json:"amount_usd,omitempty"`
	HoldReasons []string `json:"hold_reasons,omitempty"`
	At          string   `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer kafkaWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}, nil
}

// Publish keys messages by repo so one repository's payout history stays
// ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if evt.At == "" {
		evt.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.RepoKey),
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Noop stands in when no broker is configured; the pipeline never blocks
// on event delivery.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
