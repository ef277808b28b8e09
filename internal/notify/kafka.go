package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaOptions tunes the Kafka sink's queue and retries.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o KafkaOptions) withDefaults() KafkaOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// KafkaSink publishes notifications to a topic keyed by conflict id.
// Send only enqueues; workers deliver with bounded retries and a full queue
// drops the notification.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	opts     KafkaOptions
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	wg     sync.WaitGroup
}

// NewKafkaProducer connects a synchronous producer that waits for the leader's ack.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaSink starts the delivery workers.
func NewKafkaSink(producer sarama.SyncProducer, topic string, opts KafkaOptions, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts = opts.withDefaults()
	k := &KafkaSink{
		producer: producer,
		topic:    topic,
		opts:     opts,
		logger:   logger,
		queue:    make(chan Notification, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		k.wg.Add(1)
		go k.worker(i)
	}
	return k
}

func (k *KafkaSink) Send(_ context.Context, n Notification) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- n:
	default:
		k.logger.Warn("notification queue full, dropping", "kind", n.Kind, "conflict_id", n.ConflictID)
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or dropped. It does not close the producer.
func (k *KafkaSink) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()
	k.wg.Wait()
}

func (k *KafkaSink) worker(id int) {
	defer k.wg.Done()
	for n := range k.queue {
		k.sendWithRetry(id, n)
	}
}

func (k *KafkaSink) sendWithRetry(worker int, n Notification) {
	for attempt := 0; ; attempt++ {
		err := k.sendOnce(n)
		if err == nil {
			return
		}
		if attempt >= k.opts.MaxRetry || errors.Is(err, errUnencodable) {
			k.logger.Error("notification dropped",
				"kind", n.Kind,
				"conflict_id", n.ConflictID,
				"worker", worker,
				"attempts", attempt+1,
				"error", err,
			)
			return
		}
		time.Sleep(min(k.opts.BaseBackoff*time.Duration(1<<attempt), k.opts.MaxBackoff))
	}
}

var errUnencodable = errors.New("notification cannot be encoded")

func (k *KafkaSink) sendOnce(n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Join(errUnencodable, err)
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(n.ConflictID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(n.Kind)},
		},
	})
	return err
}
