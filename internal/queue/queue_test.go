package queue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/category"
	"github.com/menome/thelink/backend/pkg/community"
	"github.com/menome/thelink/backend/pkg/ingest"
	"github.com/menome/thelink/backend/pkg/leaselock"
)

type published struct {
	key string
	msg amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []published
	declared   map[string]amqp091.Table
	purged     map[string]int
	publishErr error
	deliveries map[string]chan amqp091.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declared:   make(map[string]amqp091.Table),
		purged:     map[string]int{IngestQueue: 4, RetryQueue(IngestQueue): 2},
		deliveries: make(map[string]chan amqp091.Delivery),
	}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.declared[name] = args
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	return f.purged[name], nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.queue(queue), nil
}

func (f *fakeChannel) queue(name string) chan amqp091.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.deliveries[name]
	if !ok {
		ch = make(chan amqp091.Delivery, 8)
		f.deliveries[name] = ch
	}
	return ch
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

// fakeAck records how a delivery was settled.
type fakeAck struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
	done    chan struct{}
}

func newFakeAck() *fakeAck { return &fakeAck{done: make(chan struct{}, 8)} }

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked++
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked++
	a.requeue = requeue
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestSetupQueues(t *testing.T) {
	ch := newFakeChannel()
	if err := SetupQueues(ch, Queues...); err != nil {
		t.Fatalf("SetupQueues: %v", err)
	}
	for _, name := range []string{"ingest_queue", "ingest_queue_dlq", "ingest_queue_retry", "maintenance_queue", "maintenance_queue_dlq", "maintenance_queue_retry"} {
		if _, ok := ch.declared[name]; !ok {
			t.Errorf("queue %s not declared", name)
		}
	}
	want := amqp091.Table{"x-dead-letter-exchange": "", "x-dead-letter-routing-key": "ingest_queue"}
	if got := ch.declared["ingest_queue_retry"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("retry queue args = %v, want %v", got, want)
	}
}

func TestPublishRoutesDelayedMessagesThroughRetryQueue(t *testing.T) {
	ch := newFakeChannel()
	p := NewPublisher(ch)
	ctx := context.Background()
	msg := ingest.Message{UnitID: "u1", RunID: "r1", DocumentID: "d1", Kind: ingest.KindPage}

	if err := p.Publish(ctx, msg, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, msg, 1500*time.Millisecond); err != nil {
		t.Fatalf("Publish delayed: %v", err)
	}

	sent := ch.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 publishings, got %d", len(sent))
	}
	if sent[0].key != IngestQueue || sent[0].msg.Expiration != "" {
		t.Fatalf("immediate publish = %s/%q", sent[0].key, sent[0].msg.Expiration)
	}
	if sent[1].key != "ingest_queue_retry" || sent[1].msg.Expiration != "1500" {
		t.Fatalf("delayed publish = %s/%q", sent[1].key, sent[1].msg.Expiration)
	}
	var decoded ingest.Message
	if err := json.Unmarshal(sent[0].msg.Body, &decoded); err != nil || decoded != msg {
		t.Fatalf("body = %s (%v)", sent[0].msg.Body, err)
	}
	if sent[0].msg.DeliveryMode != amqp091.Persistent {
		t.Fatal("messages must be persistent")
	}
}

func TestPurgeAllCountsRetries(t *testing.T) {
	n, err := NewPublisher(newFakeChannel()).PurgeAll(context.Background())
	if err != nil || n != 6 {
		t.Fatalf("PurgeAll = %d, %v; want 6", n, err)
	}
}

func TestPublishJob(t *testing.T) {
	ch := newFakeChannel()
	p := NewPublisher(ch)
	ctx := context.Background()

	if err := p.PublishJob(ctx, Job{Kind: "reindex"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := p.PublishJob(ctx, Job{Kind: JobCommunities, Dedupe: &category.Params{}}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for misplaced params, got %v", err)
	}
	if err := p.PublishJob(ctx, Job{Kind: JobDeduplicate, Dedupe: &category.Params{SimilarityCutoff: 0.91, WordSimilarity: 0.85}}); err != nil {
		t.Fatalf("PublishJob: %v", err)
	}
	sent := ch.sent()
	if len(sent) != 1 || sent[0].key != MaintenanceQueue {
		t.Fatalf("sent = %+v", sent)
	}
}

type fakeUnits struct {
	mu        sync.Mutex
	executed  []string
	failed    map[string]string
	recovered int
	err       error
}

func (f *fakeUnits) Execute(ctx context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, unitID)
	return f.err
}

func (f *fakeUnits) MarkFailed(ctx context.Context, unitID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[unitID] = reason
	return nil
}

func (f *fakeUnits) Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	f.recovered++
	return 3, nil
}

type fakeDedupe struct{ params []category.Params }

func (f *fakeDedupe) Deduplicate(ctx context.Context, params category.Params) (category.Report, error) {
	f.params = append(f.params, params)
	return category.Report{Merged: 1}, nil
}

type fakeCommunities struct{ generated, summarized int }

func (f *fakeCommunities) Generate(ctx context.Context) (community.Result, error) {
	f.generated++
	return community.Result{}, nil
}

func (f *fakeCommunities) Summarize(ctx context.Context) ([]community.Summary, error) {
	f.summarized++
	return nil, nil
}

type fakeLocker struct {
	keys []string
	busy bool
}

func (f *fakeLocker) Run(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error {
	f.keys = append(f.keys, key)
	if f.busy {
		return leaselock.ErrBusy
	}
	return fn(ctx)
}

func jobBody(t *testing.T, job Job) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandlersDispatch(t *testing.T) {
	units := &fakeUnits{}
	dedupe := &fakeDedupe{}
	comms := &fakeCommunities{}
	locker := &fakeLocker{}
	h := NewHandlers(NewHandlersParams{Units: units, Deduplicator: dedupe, Communities: comms, Locker: locker})
	ctx := context.Background()

	body, _ := json.Marshal(ingest.Message{UnitID: "u1"})
	if err := h.Dispatch(ctx, IngestQueue, body); err != nil {
		t.Fatalf("unit: %v", err)
	}
	if !reflect.DeepEqual(units.executed, []string{"u1"}) {
		t.Fatalf("executed = %v", units.executed)
	}

	override := category.Params{SimilarityCutoff: 0.91, WordSimilarity: 0.85}
	jobs := []Job{
		{Kind: JobDeduplicate},
		{Kind: JobDeduplicate, Dedupe: &override},
		{Kind: JobCommunities},
		{Kind: JobCommunitySummaries},
		{Kind: JobRecoverUnits},
	}
	for _, job := range jobs {
		if err := h.Dispatch(ctx, MaintenanceQueue, jobBody(t, job)); err != nil {
			t.Fatalf("%s: %v", job.Kind, err)
		}
	}

	wantParams := []category.Params{
		{SimilarityCutoff: category.DefaultSimilarityCutoff, WordSimilarity: category.DefaultWordSimilarity},
		override,
	}
	if !reflect.DeepEqual(dedupe.params, wantParams) {
		t.Fatalf("dedupe params = %+v", dedupe.params)
	}
	if comms.generated != 1 || comms.summarized != 1 || units.recovered != 1 {
		t.Fatalf("generated=%d summarized=%d recovered=%d", comms.generated, comms.summarized, units.recovered)
	}
	wantKeys := []string{
		leaselock.KeyDeduplicate, leaselock.KeyDeduplicate, leaselock.KeyCommunities,
		leaselock.KeyCommunitySummary, leaselock.KeyRecoverStaleUnits,
	}
	if !reflect.DeepEqual(locker.keys, wantKeys) {
		t.Fatalf("lease keys = %v", locker.keys)
	}
}

func TestHandlersRejectMalformedMessages(t *testing.T) {
	h := NewHandlers(NewHandlersParams{Units: &fakeUnits{}})
	ctx := context.Background()
	tests := []struct {
		queue string
		body  string
	}{
		{IngestQueue, `not json`},
		{IngestQueue, `{"run_id": "r1"}`},
		{MaintenanceQueue, `{"kind": "reindex"}`},
		{"unknown_queue", `{}`},
	}
	for _, tt := range tests {
		if err := h.Dispatch(ctx, tt.queue, []byte(tt.body)); !apperr.IsPermanent(err) {
			t.Errorf("%s %s: expected permanent error, got %v", tt.queue, tt.body, err)
		}
	}
}

func TestBusyLeaseSkipsJob(t *testing.T) {
	dedupe := &fakeDedupe{}
	h := NewHandlers(NewHandlersParams{Units: &fakeUnits{}, Deduplicator: dedupe, Locker: &fakeLocker{busy: true}})
	if err := h.HandleJob(context.Background(), jobBody(t, Job{Kind: JobDeduplicate})); err != nil {
		t.Fatalf("busy lease should not fail the job: %v", err)
	}
	if len(dedupe.params) != 0 {
		t.Fatal("job ran without the lease")
	}
}

func TestSettle(t *testing.T) {
	unitBody, _ := json.Marshal(ingest.Message{UnitID: "u1"})
	tests := []struct {
		name       string
		err        error
		retries    any
		publishErr error
		wantKey    string
		wantRetry  int32
		wantAck    bool
		wantFailed bool
	}{
		{name: "success", wantAck: true},
		{name: "first failure", err: errors.New("neo4j unavailable"), wantKey: "ingest_queue_retry", wantRetry: 1, wantAck: true},
		{name: "later failure", err: errors.New("neo4j unavailable"), retries: int32(2), wantKey: "ingest_queue_retry", wantRetry: 3, wantAck: true},
		{name: "out of redeliveries", err: errors.New("neo4j unavailable"), retries: int32(3), wantKey: "ingest_queue_dlq", wantAck: true, wantFailed: true},
		{name: "permanent", err: apperr.Permanent("test", errors.New("bad message")), wantKey: "ingest_queue_dlq", wantAck: true, wantFailed: true},
		{name: "broker down", err: errors.New("neo4j unavailable"), publishErr: errors.New("channel closed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			ch.publishErr = tt.publishErr
			units := &fakeUnits{}
			h := NewHandlers(NewHandlersParams{Units: units})
			c := NewConsumer(NewConsumerParams{
				Channel:         ch,
				Publisher:       NewPublisher(ch),
				Handle:          h.Dispatch,
				OnDeadLetter:    h.HandleDeadLetter,
				MaxRedeliveries: 3,
				Backoff:         util.Backoff{Base: time.Second, Max: time.Minute},
			})
			ack := newFakeAck()
			headers := amqp091.Table{}
			if tt.retries != nil {
				headers[retriesHeader] = tt.retries
			}
			d := delivery{queueName: IngestQueue, msg: amqp091.Delivery{Acknowledger: ack, Body: unitBody, Headers: headers}}

			c.settle(context.Background(), d, tt.err)

			if tt.wantAck != (ack.acked == 1) {
				t.Fatalf("acked = %d", ack.acked)
			}
			if !tt.wantAck && (ack.nacked != 1 || !ack.requeue) {
				t.Fatalf("expected nack with requeue, got nacked=%d requeue=%v", ack.nacked, ack.requeue)
			}
			sent := ch.sent()
			if tt.wantKey == "" {
				if len(sent) != 0 {
					t.Fatalf("unexpected publishings: %+v", sent)
				}
			} else {
				if len(sent) != 1 || sent[0].key != tt.wantKey {
					t.Fatalf("sent = %+v, want one to %s", sent, tt.wantKey)
				}
				if tt.wantRetry > 0 && sent[0].msg.Headers[retriesHeader] != tt.wantRetry {
					t.Fatalf("retry header = %v, want %d", sent[0].msg.Headers[retriesHeader], tt.wantRetry)
				}
				if tt.wantRetry > 0 && sent[0].msg.Expiration == "" {
					t.Fatal("retry must be delayed")
				}
			}
			if _, failed := units.failed["u1"]; failed != tt.wantFailed {
				t.Fatalf("unit marked failed = %v, want %v", failed, tt.wantFailed)
			}
		})
	}
}

func TestConsumerRun(t *testing.T) {
	ch := newFakeChannel()
	units := &fakeUnits{}
	h := NewHandlers(NewHandlersParams{Units: units})
	c := NewConsumer(NewConsumerParams{Channel: ch, Publisher: NewPublisher(ch), Handle: h.Dispatch, Parallel: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ack := newFakeAck()
	in := ch.queue(IngestQueue)
	go func() { done <- c.Run(ctx, IngestQueue) }()

	for _, id := range []string{"u1", "u2"} {
		body, _ := json.Marshal(ingest.Message{UnitID: id})
		in <- amqp091.Delivery{Acknowledger: ack, Body: body}
	}
	for range 2 {
		select {
		case <-ack.done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery was not settled")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	units.mu.Lock()
	defer units.mu.Unlock()
	if len(units.executed) != 2 || ack.acked != 2 {
		t.Fatalf("executed = %v acked = %d", units.executed, ack.acked)
	}
}
