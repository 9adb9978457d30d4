// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"regaudit-go/internal/config"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// MaxAttempts 是一个任务失败后重试的上限，达到后提交 offset 放弃该任务。
const MaxAttempts = 3

// TaskProcessor 定义了处理入库任务的服务接口，使消费者不依赖具体的管道实现。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// Producer 把入库任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Publish 发送一个入库任务到 Kafka。
func (p *Producer) Publish(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.FileID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptCounter 记录任务的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// NewAttemptCounter 在 rdb 不为 nil 时使用 Redis 计数，否则使用进程内计数。
func NewAttemptCounter(rdb *redis.Client) AttemptCounter {
	if rdb == nil {
		return &memoryCounter{counts: make(map[string]int64)}
	}
	return &redisCounter{rdb: rdb}
}

type redisCounter struct {
	rdb *redis.Client
}

func (c *redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return attempts, nil
}

func (c *redisCounter) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *memoryCounter) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memoryCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// messageReader 是消费者用到的 kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费入库任务并交给 TaskProcessor 处理。
type Consumer struct {
	reader    messageReader
	processor TaskProcessor
	attempts   AttemptCounter
	topic      string
	retryDelay time.Duration
}

// NewConsumer 创建一个 Kafka 消费者。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, processor: processor, attempts: attempts, topic: cfg.Topic, retryDelay: 2 * time.Second}
}

// Run 循环消费直到 ctx 被取消或读取失败。
func (c *Consumer) Run(ctx context.Context) error {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	log.Infof("收到 Kafka 消息: offset %d", m.Offset)

	var task tasks.IngestTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.FileID)
	// kafka-go 在同一会话内不会重新投递未提交的消息，所以失败的任务在这里原地重试。
	// 计数保存在 Redis 中，进程重启后从上次的次数继续。
	for local := int64(1); ; local++ {
		log.Infof("开始处理入库任务: FileID=%s, FileName=%s", task.FileID, task.FileName)
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("入库任务处理成功: FileID=%s", task.FileID)
			_ = c.attempts.Reset(ctx, attemptsKey)
			c.commit(ctx, m)
			return
		}
		log.Errorf("处理入库任务失败: FileID=%s, Error: %v", task.FileID, err)

		attempts, incErr := c.attempts.Incr(ctx, attemptsKey)
		if incErr != nil {
			log.Warnf("记录重试次数失败，使用本地计数: %v", incErr)
			attempts = local
		}
		if attempts >= MaxAttempts {
			log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: FileID=%s", MaxAttempts, task.FileID)
			c.commit(ctx, m)
			_ = c.attempts.Reset(ctx, attemptsKey)
			return
		}

		// 退避后重试，停机时不提交，下次启动会重新拉取
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay * time.Duration(attempts)):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
