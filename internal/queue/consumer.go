package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/menome/thelink/backend/internal/timing"
	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/logger"
)

const retriesHeader = "x-retries"

// ConsumeChannel is the part of *amqp091.Channel the consumer reads from.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// HandleFunc processes one delivery body from queueName.
type HandleFunc func(ctx context.Context, queueName string, body []byte) error

// DeadLetterFunc is told about every message moved to a dead-letter queue.
type DeadLetterFunc func(ctx context.Context, queueName string, body []byte, reason string) error

type Consumer struct {
	ch           ConsumeChannel
	publisher    *Publisher
	handle       HandleFunc
	onDeadLetter DeadLetterFunc

	parallel        int
	maxRedeliveries int
	backoff         util.Backoff
}

type NewConsumerParams struct {
	Channel ConsumeChannel
	// Publisher sends redeliveries and dead letters. It should use its own
	// channel.
	Publisher    *Publisher
	Handle       HandleFunc
	OnDeadLetter DeadLetterFunc
	// Parallel is the number of deliveries handled at the same time.
	Parallel int
	// MaxRedeliveries is how often a failed delivery is retried before it
	// is dead-lettered. Default 10.
	MaxRedeliveries int
	Backoff         util.Backoff
}

func NewConsumer(params NewConsumerParams) *Consumer {
	if params.Parallel <= 0 {
		params.Parallel = 1
	}
	if params.MaxRedeliveries <= 0 {
		params.MaxRedeliveries = 10
	}
	if params.Backoff == (util.Backoff{}) {
		params.Backoff = util.DefaultBackoff
	}
	return &Consumer{
		ch:              params.Channel,
		publisher:       params.Publisher,
		handle:          params.Handle,
		onDeadLetter:    params.OnDeadLetter,
		parallel:        params.Parallel,
		maxRedeliveries: params.MaxRedeliveries,
		backoff:         params.Backoff,
	}
}

type delivery struct {
	msg       amqp091.Delivery
	queueName string
}

// Run consumes queues until ctx is cancelled and then waits for in-flight
// deliveries.
func (c *Consumer) Run(ctx context.Context, queues ...string) error {
	if err := c.ch.Qos(c.parallel, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries := make(chan delivery)
	for _, name := range queues {
		msgs, err := c.ch.Consume(name, name+"_consumer", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}
		go func(name string, msgs <-chan amqp091.Delivery) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Warn("[Queue] Delivery channel closed", "queue", name)
						return
					}
					select {
					case deliveries <- delivery{msg: msg, queueName: name}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(name, msgs)
	}

	logger.Info("[Queue] Listening for messages", "queues", queues, "parallel", c.parallel)
	sem := semaphore.NewWeighted(int64(c.parallel))
	for {
		select {
		case <-ctx.Done():
			// wait for in-flight deliveries
			_ = sem.Acquire(context.Background(), int64(c.parallel))
			logger.Info("[Queue] Consumer stopped")
			return nil
		case d := <-deliveries:
			if err := sem.Acquire(ctx, 1); err != nil {
				continue
			}
			go func() {
				defer sem.Release(1)
				c.process(ctx, d)
			}()
		}
	}
}

func (c *Consumer) process(ctx context.Context, d delivery) {
	sw := timing.Start()
	err := c.handle(ctx, d.queueName, d.msg.Body)
	c.settle(context.WithoutCancel(ctx), d, err)
	logger.Debug("[Queue] Processing time", "queue", d.queueName, "duration", sw.Elapsed().Round(time.Millisecond))
}

// settle acks a handled delivery. A failed one is republished through the
// retry queue with a growing delay, or to the dead-letter queue once it is
// permanent or out of redeliveries.
func (c *Consumer) settle(ctx context.Context, d delivery, err error) {
	if err == nil {
		if ackErr := d.msg.Ack(false); ackErr != nil {
			logger.Error("[Queue] Failed to ack message", "queue", d.queueName, "err", ackErr)
		}
		return
	}

	retries := redeliveries(d.msg.Headers)
	headers := amqp091.Table{}
	for k, v := range d.msg.Headers {
		headers[k] = v
	}

	if apperr.IsPermanent(err) || retries >= c.maxRedeliveries {
		dlq := DeadLetterQueue(d.queueName)
		logger.Error("[Queue] Sending message to DLQ", "dlq", dlq, "retries", retries, "err", err)
		headers["x-error"] = err.Error()
		if pubErr := c.publisher.publishTo(ctx, dlq, d.msg.Body, headers); pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlq, "err", pubErr)
			_ = d.msg.Nack(false, true)
			return
		}
		if c.onDeadLetter != nil {
			if dlErr := c.onDeadLetter(ctx, d.queueName, d.msg.Body, err.Error()); dlErr != nil {
				logger.Error("[Queue] Failed to record dead letter", "queue", d.queueName, "err", dlErr)
			}
		}
		_ = d.msg.Ack(false)
		return
	}

	delay := c.backoff.Delay(retries + 1)
	logger.Warn("[Queue] Error processing message, scheduling retry",
		"queue", d.queueName, "retry", retries+1, "delay", delay, "err", err)
	headers[retriesHeader] = int32(retries + 1)
	if pubErr := c.publisher.publish(ctx, d.queueName, d.msg.Body, delay, headers); pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "queue", RetryQueue(d.queueName), "err", pubErr)
		_ = d.msg.Nack(false, true)
		return
	}
	_ = d.msg.Ack(false)
}

func redeliveries(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
