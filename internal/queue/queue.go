package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/ingest"
	"github.com/menome/thelink/backend/pkg/logger"
)

const (
	IngestQueue      = "ingest_queue"
	MaintenanceQueue = "maintenance_queue"
)

// Queues lists every work queue; each also has a _retry and a _dlq queue.
var Queues = []string{IngestQueue, MaintenanceQueue}

func RetryQueue(name string) string      { return name + "_retry" }
func DeadLetterQueue(name string) string { return name + "_dlq" }

// Init connects to RabbitMQ using the RABBITMQ_* environment. The broker is
// often still starting when a worker boots, so dialing is retried.
func Init(ctx context.Context) (*amqp091.Connection, error) {
	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnv("RABBITMQ_USER"),
		util.GetEnv("RABBITMQ_PASSWORD"),
		util.GetEnvString("RABBITMQ_HOST", "localhost"),
		util.GetEnvString("RABBITMQ_PORT", "5672"),
	)
	policy := util.RetryPolicy{
		MaxAttempts: util.GetEnvInt("RABBITMQ_CONNECT_ATTEMPTS", 10),
		Backoff:     util.Backoff{Base: time.Second, Max: 10 * time.Second},
	}
	conn, err := util.RetryWithBackoff(ctx, policy, func(ctx context.Context) (*amqp091.Connection, error) {
		conn, err := amqp091.Dial(connURL)
		if err != nil {
			logger.Warn("[Queue] RabbitMQ not reachable yet", "host", util.GetEnvString("RABBITMQ_HOST", "localhost"), "err", err)
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// Declarer is the part of *amqp091.Channel used to declare queues.
type Declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
}

// SetupQueues declares each queue with its dead-letter queue and its retry
// queue. Messages in the retry queue carry their own expiration and are
// dead-lettered back to the work queue when it runs out.
func SetupQueues(ch Declarer, names ...string) error {
	for _, name := range names {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		if _, err := ch.QueueDeclare(DeadLetterQueue(name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", DeadLetterQueue(name), err)
		}
		_, err := ch.QueueDeclare(RetryQueue(name), true, false, false, false, amqp091.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		})
		if err != nil {
			return fmt.Errorf("declare %s: %w", RetryQueue(name), err)
		}
	}
	return nil
}

// Channel is the part of *amqp091.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	QueuePurge(name string, noWait bool) (int, error)
}

// Publisher sends unit messages and maintenance jobs. It implements
// ingest.Queue. An amqp channel is not safe for concurrent publishing, so
// every call is serialised.
type Publisher struct {
	mu sync.Mutex
	ch Channel
}

var _ ingest.Queue = (*Publisher)(nil)

func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch}
}

func (p *Publisher) publish(ctx context.Context, queueName string, body []byte, delay time.Duration, headers amqp091.Table) error {
	if delay <= 0 {
		return p.publishTo(ctx, queueName, body, headers)
	}
	return p.send(ctx, RetryQueue(queueName), body, headers, strconv.FormatInt(max(delay.Milliseconds(), 1), 10))
}

// publishTo sends body to the named queue without delay.
func (p *Publisher) publishTo(ctx context.Context, key string, body []byte, headers amqp091.Table) error {
	return p.send(ctx, key, body, headers, "")
}

func (p *Publisher) send(ctx context.Context, key string, body []byte, headers amqp091.Table, expiration string) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Expiration:   expiration,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, "", key, false, false, publishing)
}

// Publish sends msg to the ingest queue, through the retry queue when delay
// is set.
func (p *Publisher) Publish(ctx context.Context, msg ingest.Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, IngestQueue, body, delay, nil); err != nil {
		return fmt.Errorf("publish unit %s: %w", msg.UnitID, err)
	}
	return nil
}

// PublishJob enqueues a maintenance job.
func (p *Publisher) PublishJob(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, MaintenanceQueue, body, 0, nil); err != nil {
		return fmt.Errorf("publish %s job: %w", job.Kind, err)
	}
	logger.Info("[Queue] Enqueued maintenance job", "kind", job.Kind)
	return nil
}

// PurgeAll drops every waiting unit message, delayed retries included.
func (p *Publisher) PurgeAll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, name := range []string{IngestQueue, RetryQueue(IngestQueue)} {
		n, err := p.ch.QueuePurge(name, false)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}
