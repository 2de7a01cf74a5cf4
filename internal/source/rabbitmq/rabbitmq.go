package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

// Factory 构造基于 RabbitMQ 队列的对象源。消息在入队到流之后手动
// 确认；不支持续传，未确认的消息由 broker 重新投递。
type Factory struct{}

// Kind 实现 source.Factory。
func (Factory) Kind() string { return "rabbitmq" }

// Capabilities 声明 RabbitMQ 源需要的能力。
func (Factory) Capabilities() []source.Capability {
	return []source.Capability{source.CapabilityNet}
}

// Open 实现 source.Factory。连接、信道与订阅都在这里建立。
func (Factory) Open(_ context.Context, opts source.Options) (source.Opened, error) {
	url := source.StringParam(opts.Params, "url", "")
	if url == "" {
		return source.Opened{}, fmt.Errorf("RabbitMQ 源 %s 缺少 url 参数", opts.Name)
	}
	queue := source.StringParam(opts.Params, "queue", "")
	if queue == "" {
		return source.Opened{}, fmt.Errorf("RabbitMQ 源 %s 缺少 queue 参数", opts.Name)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return source.Opened{}, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return source.Opened{}, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if prefetch := source.IntParam(opts.Params, "prefetch", 0); prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return source.Opened{}, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	durable := source.BoolParam(opts.Params, "durable", true)
	autoDelete := source.BoolParam(opts.Params, "auto_delete", false)
	if _, err := ch.QueueDeclare(queue, durable, autoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return source.Opened{}, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return source.Opened{}, fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	return source.Opened{Source: &queueSource{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
	}}, nil
}

// queueSource 以手动确认模式消费 RabbitMQ 投递。
type queueSource struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
}

// Start 实现 stream.Source。
func (s *queueSource) Start(context.Context, *stream.Controller) error { return nil }

// Pull 实现 stream.Source。等待下一条投递；信道被 broker 关闭时把
// 传输错误交给流。
func (s *queueSource) Pull(ctx context.Context, ctl *stream.Controller) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-s.deliveries:
		if !ok {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.New("RabbitMQ 信道已被远端关闭")
		}
		record := source.Record{
			Payload: map[string]any{
				"body":         string(msg.Body),
				"content_type": msg.ContentType,
				"routing_key":  msg.RoutingKey,
				"exchange":     msg.Exchange,
			},
			Bytes: len(msg.Body),
		}
		if err := ctl.Enqueue(record); err != nil {
			_ = msg.Nack(false, true)
			if errors.Is(err, stream.ErrStreamClosed) {
				return nil
			}
			return err
		}
		_ = msg.Ack(false)
		return nil
	}
}

// Cancel 实现 stream.Source。
func (s *queueSource) Cancel(context.Context, error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ stream.Source = (*queueSource)(nil)
