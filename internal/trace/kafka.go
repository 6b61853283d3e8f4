package trace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink publishes through.
// This allows for easy mocking in unit tests.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Buffer bounds the number of queued events. Defaults to 1024.
	Buffer int
	// BatchSize caps events per WriteMessages call. Defaults to 100.
	BatchSize int
	// WriteTimeout bounds each publish. Defaults to 5s.
	WriteTimeout time.Duration
}

func (c *KafkaConfig) applyDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// KafkaSink publishes JSON-encoded events to a Kafka topic.
//
// Record never blocks: events are queued on a bounded channel and a single
// goroutine publishes them in batches. When the queue is full the event is
// dropped and counted. Message keys are the stage name, so one stage's events
// stay on one partition.
type KafkaSink struct {
	w      MessageWriter
	cfg    KafkaConfig
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Int64
	published atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// NewKafkaSink connects a kafka-go writer to cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka sink: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkWithWriter(w, cfg, logger), nil
}

// NewKafkaSinkWithWriter starts a sink publishing through w.
func NewKafkaSinkWithWriter(w MessageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{
		w:      w,
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Record queues an event, dropping it if the buffer is full or the sink is closed.
func (s *KafkaSink) Record(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (s *KafkaSink) Dropped() int64 { return s.dropped.Load() }

// Published reports how many events were written successfully.
func (s *KafkaSink) Published() int64 { return s.published.Load() }

// Close flushes queued events and closes the writer.
func (s *KafkaSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()

		<-s.done
		s.closeErr = s.w.Close()
	})
	return s.closeErr
}

func (s *KafkaSink) loop() {
	defer close(s.done)

	batch := make([]kafka.Message, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err := s.w.WriteMessages(ctx, batch...)
		cancel()
		if err != nil {
			s.dropped.Add(int64(len(batch)))
			s.logger.Warn("trace publish failed", "topic", s.cfg.Topic, "events", len(batch), "err", err)
		} else {
			s.published.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for ev := range s.events {
		msg, err := toMessage(ev)
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		batch = append(batch, msg)
		// Publish once the queue drains or the batch is full.
		if len(batch) >= s.cfg.BatchSize || len(s.events) == 0 {
			flush()
		}
	}
	flush()
}

func toMessage(ev Event) (kafka.Message, error) {
	value, err := ev.MarshalJSON()
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Stage),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}
