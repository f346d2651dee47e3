package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// KafkaClient publishes auth events to the auth-events topic. The gateway is
// producer-only; downstream consumers own their own groups.
type KafkaClient struct {
	writer *kafka.Writer
	config *config.Config
}

func NewKafkaClient(cfg *config.Config) (*KafkaClient, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	client := &KafkaClient{writer: writer, config: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.healthCheckBroker(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("kafka connection failed: %w", err)
	}

	util.Info("Kafka producer connected",
		util.Any("brokers", cfg.Kafka.Brokers),
		util.String("topic", cfg.Kafka.Topic))
	return client, nil
}

func (k *KafkaClient) healthCheckBroker(ctx context.Context) error {
	if len(k.config.Kafka.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.config.Kafka.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Brokers()
	return err
}

// Publish writes a single keyed message. The key carries the contact bucket
// so events for one contact land in order on one partition.
func (k *KafkaClient) Publish(ctx context.Context, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}

func (k *KafkaClient) HealthCheck(ctx context.Context) error {
	return k.healthCheckBroker(ctx)
}

func (k *KafkaClient) Close() error {
	return k.writer.Close()
}
