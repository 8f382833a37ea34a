package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"drainscan/internal/config"
	"drainscan/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher 把分析结果发送到Kafka，消息键为被分析地址
type KafkaPublisher struct {
	logger     *logrus.Logger
	topic      string
	alertTopic string
	producer   sarama.SyncProducer
}

// NewKafkaPublisher 创建Kafka发布器
func NewKafkaPublisher(cfg *config.KafkaConfig, logger *logrus.Logger) (*KafkaPublisher, error) {
	logger.Infof("初始化Kafka发布器，brokers: %v, topic: %s", cfg.Brokers, cfg.Topic)

	// 配置Kafka生产者
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Timeout = 5 * time.Second
	saramaConfig.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, cfg.AlertTopic, logger), nil
}

// NewKafkaPublisherWithProducer 使用已有生产者创建
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic, alertTopic string, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		logger:     logger,
		topic:      topic,
		alertTopic: alertTopic,
		producer:   producer,
	}
}

func (k *KafkaPublisher) send(topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"address":   key,
	}).Debug("分析结果已发送到Kafka")
	return nil
}

// Publish 发送完整结果；非 SAFE 结果同时向告警 topic 发送摘要
func (k *KafkaPublisher) Publish(ctx context.Context, analysis *models.DrainAnalysis) error {
	if analysis == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := k.send(k.topic, analysis.Address, analysis); err != nil {
		return err
	}
	if k.alertTopic == "" || analysis.OverallRisk == models.RiskSafe {
		return nil
	}
	return k.send(k.alertTopic, analysis.Address, analysis.ToKafkaMessage())
}

// Close 关闭Kafka连接
func (k *KafkaPublisher) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
