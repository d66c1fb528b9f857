// Package events publishes search lifecycle events for downstream consumers
// (billing, analytics). Publishing is best effort and never fails a search.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// TypeSearchCompleted is the event type for a finished search.
const TypeSearchCompleted = "search.completed"

// SearchCompleted is emitted once per search that reached the executor.
// It carries routing metadata only; query and answer text are never included.
type SearchCompleted struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	SearchID      string    `json:"search_id"`
	WorkspaceID   string    `json:"workspace_id"`
	AccountName   string    `json:"account_name,omitempty"`
	Complexity    string    `json:"complexity"`
	Policy        string    `json:"policy"`
	TierUsed      string    `json:"tier_used"`
	Credits       int       `json:"credits"`
	Model         string    `json:"model,omitempty"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	LatencyMs     int64     `json:"latency_ms"`
	UpgradeReason string    `json:"upgrade_reason,omitempty"`
	Status        string    `json:"status"`
}

// FromRecord builds a SearchCompleted event from a persisted search record.
func FromRecord(rec *models.SearchRecord) SearchCompleted {
	return SearchCompleted{
		ID:            uuid.New().String(),
		Type:          TypeSearchCompleted,
		OccurredAt:    rec.Timestamp,
		SearchID:      rec.ID,
		WorkspaceID:   rec.WorkspaceID,
		AccountName:   rec.AccountName,
		Complexity:    rec.Complexity,
		Policy:        rec.Policy,
		TierUsed:      rec.Tier.WireName(),
		Credits:       rec.Credits,
		Model:         rec.Model,
		InputTokens:   rec.InputTokens,
		OutputTokens:  rec.OutputTokens,
		LatencyMs:     rec.LatencyMs,
		UpgradeReason: rec.UpgradeReason,
		Status:        rec.Status,
	}
}

// Publisher delivers search events.
type Publisher interface {
	Publish(ctx context.Context, ev SearchCompleted) error
	Close() error
}

// Noop discards every event. Used when no brokers are configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, SearchCompleted) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string        // Default "smartsearch"
	Version  string        // Kafka version (default "2.8.0")
	Timeout  time.Duration // Network timeout (default 10s)
}

// KafkaPublisher publishes events to a Kafka topic with a synchronous producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher connects a synchronous producer to cfg.Brokers.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, apperr.Validation("kafka brokers cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, apperr.Validation("kafka topic cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "smartsearch"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid kafka version", err)
	}

	kc := sarama.NewConfig()
	kc.Version = version
	kc.ClientID = cfg.ClientID
	kc.Producer.Return.Successes = true
	kc.Producer.Return.Errors = true
	kc.Producer.Retry.Max = 3
	kc.Producer.RequiredAcks = sarama.WaitForAll
	kc.Net.DialTimeout = cfg.Timeout
	kc.Net.ReadTimeout = cfg.Timeout
	kc.Net.WriteTimeout = cfg.Timeout

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to create kafka producer", err)
	}
	return NewKafkaPublisherFromProducer(producer, cfg.Topic), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish implements Publisher. Events are keyed by workspace so a
// workspace's events stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev SearchCompleted) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return apperr.Unavailable("event publisher is closed")
	}
	if err := ctx.Err(); err != nil {
		return apperr.Canceled(err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	// Keyed by workspace so one workspace's events stay ordered on a partition.
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.WorkspaceID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "failed to publish to kafka", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
