package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

// SaramaProducer publishes through a sarama SyncProducer with acks from
// all in-sync replicas.
type SaramaProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func SaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

func NewSaramaProducer(brokers []string, topic string) (*SaramaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, SaramaConfig())
	if err != nil {
		return nil, err
	}
	return NewSaramaProducerFrom(producer, topic), nil
}

// NewSaramaProducerFrom wraps an existing SyncProducer.
func NewSaramaProducerFrom(producer sarama.SyncProducer, topic string) *SaramaProducer {
	return &SaramaProducer{producer: producer, topic: topic}
}

func (p *SaramaProducer) Send(
	ctx context.Context,
	key []byte,
	value []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
