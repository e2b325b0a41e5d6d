// Package redpanda provides Kafka-compatible streaming with franz-go: topic
// administration, the outbox publisher and the status-update consumer.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/store"
)

// Inbound status topics written by the pharmacy and doctor applications
const (
	TopicOrderStatus       = "pharmacy.order-status"
	TopicAppointmentStatus = "doctor.appointment-status"
)

// StatusTopics are the topics consumed by status ingest
var StatusTopics = []string{TopicOrderStatus, TopicAppointmentStatus}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns every topic careflow reads or writes
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	topic := func(name string, partitions int32, retention string) TopicConfig {
		return TopicConfig{
			Name:              name,
			Partitions:        partitions,
			ReplicationFactor: 1, // 3 in production
			Configs: map[string]*string{
				"retention.ms":     ptr(retention),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		}
	}

	const (
		day  = "86400000"
		week = "604800000"
	)
	configs := []TopicConfig{
		topic(TopicOrderStatus, 6, day),
		topic(TopicAppointmentStatus, 6, day),
		topic(store.DeadLetterTopic, 3, week),
	}
	for _, c := range []string{
		model.CollectionOrders,
		model.CollectionAppointments,
		model.CollectionNotifications,
		model.CollectionPrescriptions,
		model.CollectionDoctors,
	} {
		configs = append(configs, topic(store.ChangeTopic(c), 6, week))
	}
	return configs
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics, skipping ones that already exist
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every topic in DefaultTopicConfigs
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ConsumerLag returns the total lag of groupID across all partitions
func (a *Admin) ConsumerLag(ctx context.Context, groupID string) (int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	var total int64
	described.Each(func(l kadm.DescribedGroupLag) {
		total += l.Lag.Total()
	})
	return total, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
