package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerConfig configures the AMQP-backed worker pool, grounded on the
// teacher's WorkerPoolConfig.
type BrokerConfig struct {
	WorkerCount int
	QueueSize   int
	Timeout     time.Duration
}

func (c *BrokerConfig) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// task pairs one inbound delivery with the channel to reply on.
type task struct {
	channel *amqp.Channel
	message amqp.Delivery
}

// Broker consumes RequestPackets from an AMQP queue and drives them
// through a Dispatcher using a bounded pool of worker goroutines, the
// same queue+pool shape as the teacher's WorkerPool, generalized from a
// single handler method to the full request/cache/backend/response
// round trip.
type Broker struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	dispatcher *Dispatcher
	cfg        BrokerConfig

	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewBroker dials amqpURL and declares queueName, but does not start
// consuming until Start is called.
func NewBroker(amqpURL, queueName string, dispatcher *Dispatcher, cfg BrokerConfig) (*Broker, error) {
	cfg.applyDefaults()

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("transport: declaring queue %q: %w", queueName, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		conn:       conn,
		channel:    ch,
		queueName:  queueName,
		dispatcher: dispatcher,
		cfg:        cfg,
		queue:      make(chan task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins consuming the queue and launches the worker pool.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("transport: broker already started")
	}

	deliveries, err := b.channel.Consume(b.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("transport: consuming queue %q: %w", b.queueName, err)
	}

	for i := 0; i < b.cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	go b.accept(deliveries)

	b.started = true
	log.Printf("[transport] broker started: queue=%q workers=%d", b.queueName, b.cfg.WorkerCount)
	return nil
}

func (b *Broker) accept(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case b.queue <- task{channel: b.channel, message: d}:
			case <-b.ctx.Done():
				return
			default:
				log.Printf("[transport] queue full, nacking delivery")
				_ = d.Nack(false, true)
			}
		}
	}
}

func (b *Broker) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case t := <-b.queue:
			b.process(id, t)
		}
	}
}

func (b *Broker) process(workerID int, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[transport] worker %d recovered from panic: %v", workerID, r)
			_ = t.message.Nack(false, false)
		}
	}()

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()

	pkt, err := DecodeRequest(t.message.Body)
	if err != nil {
		log.Printf("[transport] worker %d: malformed request: %v", workerID, err)
		_ = t.message.Nack(false, false)
		return
	}

	resp := b.dispatcher.Handle(ctx, pkt)
	body, err := resp.Encode()
	if err != nil {
		log.Printf("[transport] worker %d: encoding response: %v", workerID, err)
		_ = t.message.Nack(false, false)
		return
	}

	if t.message.ReplyTo != "" {
		correlationID := t.message.CorrelationId
		if correlationID == "" {
			// A client that omits CorrelationId still deserves a reply it
			// can match against its own request; mint one rather than
			// publish an unlinkable reply.
			correlationID = uuid.NewString()
		}
		err = t.channel.PublishWithContext(ctx, "", t.message.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: correlationID,
			Body:          body,
		})
		if err != nil {
			log.Printf("[transport] worker %d: publishing reply: %v", workerID, err)
			_ = t.message.Nack(false, true)
			return
		}
	}
	_ = t.message.Ack(false)
}

// Stop signals every worker to finish its current task and waits up to
// timeout for them to drain.
func (b *Broker) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[transport] shutdown timeout exceeded, closing connection anyway")
	}

	b.channel.Close()
	return b.conn.Close()
}
