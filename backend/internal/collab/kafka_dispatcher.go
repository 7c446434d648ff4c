package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"collabCore/backend/internal/events"
)

// KafkaPublisher：本地有界队列 + worker 异步发送 + 有限重试。
// 把协作事件（操作应用、冲突裁决、会话结束）发布到按 sessionId 分区的 topic。
// 目标：
// - 不阻塞应用主链路（引擎只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan events.CollaborationEvent

	// sem 限制并发的 SendMessage 数量。
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaPublisherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaPublisherOptions) *KafkaPublisher {
	p := &KafkaPublisher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan events.CollaborationEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	p.Start()
	return p
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误（事件流不要求强一致，不是每个事件都必须送达）
func (p *KafkaPublisher) Enqueue(ctx context.Context, evt events.CollaborationEvent) error {
	select {
	case p.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaPublisher) Start() {
	for i := 0; i < p.workers; i++ {
		go p.workerLoop(i)
	}
}

func (p *KafkaPublisher) workerLoop(workerID int) {
	for evt := range p.queue {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, evt events.CollaborationEvent) {
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		if p.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = p.sem.Acquire(context.Background())
		}

		err := p.sendOnce(evt)

		if p.sem != nil {
			_ = p.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == p.maxRetry {
			log.Printf("kafka send failed, drop event session=%s kind=%s version=%d worker=%d err=%v",
				evt.SessionID, evt.Kind, evt.Version, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(evt events.CollaborationEvent) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.SessionID), // 以 sessionId 做 key，便于按会话分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}
