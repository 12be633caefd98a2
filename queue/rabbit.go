// Package queue provides the Queue Adapter: at-least-once envelope
// delivery behind a small handle-based interface, with concrete backends
// for Redis (queue/redis), an embedded bbolt queue for local/offline mode
// (queue/boltqueue), and RabbitMQ in this file.
//
// The RabbitMQ backend is built the same way the reference stack wires
// AMQP: a dependency-injected dialer (AMQPDialer/AMQPConnection/AMQPChannel)
// so tests substitute MockAMQPDialer instead of a live broker, a durable
// queue declared on connect, and JSON message bodies.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/streadway/amqp"

	"eve.evalgo.org/rerr"
)

// RabbitConfig configures the RabbitMQ-backed queue.
type RabbitConfig struct {
	URL       string
	QueueName string
}

// RabbitQueue implements Queue over a single durable RabbitMQ queue. A
// single manual-ack consumer is established at construction time; Receive
// reads from its delivery channel with a timeout instead of issuing a
// fresh basic.get per poll.
type RabbitQueue struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
	deliveries <-chan amqp.Delivery

	inFlight map[uint64]bool
}

// NewRabbitQueue connects to RabbitMQ and declares the configured queue as
// durable, so messages survive a broker restart.
func NewRabbitQueue(cfg RabbitConfig) (*RabbitQueue, error) {
	return NewRabbitQueueWithDialer(cfg, &RealAMQPDialer{})
}

// NewRabbitQueueWithDialer allows injecting a custom dialer for testing.
func NewRabbitQueueWithDialer(cfg RabbitConfig, dialer AMQPDialer) (*RabbitQueue, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, rerr.Transientf("connecting to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, rerr.Transientf("opening amqp channel: %w", err)
	}

	_, err = ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, rerr.Permanentf("declaring queue %s: %w", cfg.QueueName, err)
	}

	deliveries, err := ch.Consume(cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, rerr.Permanentf("starting consumer on %s: %w", cfg.QueueName, err)
	}

	return &RabbitQueue{
		connection: conn,
		channel:    ch,
		queueName:  cfg.QueueName,
		deliveries: deliveries,
		inFlight:   make(map[uint64]bool),
	}, nil
}

// Close closes the channel and connection.
func (r *RabbitQueue) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}

func (r *RabbitQueue) Enqueue(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return rerr.Permanentf("marshaling envelope: %w", err)
	}
	err = r.channel.Publish("", r.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return rerr.Transientf("publishing envelope: %w", err)
	}
	return nil
}

// Receive waits on the consumer's delivery channel until an envelope
// arrives or maxWait elapses. A consumed-but-unacked delivery stays
// invisible to other consumers per AMQP semantics until Delete (ack) or
// the channel closes.
func (r *RabbitQueue) Receive(ctx context.Context, maxWait time.Duration) (Handle, *Envelope, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case delivery, ok := <-r.deliveries:
		if !ok {
			return "", nil, rerr.Transientf("amqp consumer channel closed")
		}
		var env Envelope
		if err := json.Unmarshal(delivery.Body, &env); err != nil {
			return "", nil, rerr.Permanentf("unmarshaling envelope: %w", err)
		}
		r.inFlight[delivery.DeliveryTag] = true
		return Handle(strconv.FormatUint(delivery.DeliveryTag, 10)), &env, nil
	case <-timer.C:
		return "", nil, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// ExtendVisibility is a no-op: plain AMQP has no notion of extending a
// delivery's visibility window. An unacked delivery stays invisible to
// other consumers for as long as this channel is open, so the Worker's
// heartbeat simply confirms liveness here rather than renewing a lease.
func (r *RabbitQueue) ExtendVisibility(ctx context.Context, handle Handle, d time.Duration) error {
	tag, err := strconv.ParseUint(string(handle), 10, 64)
	if err != nil {
		return rerr.NotFoundf("malformed handle %s", handle)
	}
	if !r.inFlight[tag] {
		return rerr.NotFoundf("handle %s not in flight", handle)
	}
	return nil
}

func (r *RabbitQueue) Delete(ctx context.Context, handle Handle) error {
	tag, err := strconv.ParseUint(string(handle), 10, 64)
	if err != nil {
		return rerr.NotFoundf("malformed handle %s", handle)
	}
	if !r.inFlight[tag] {
		return nil
	}
	if err := r.channel.Ack(tag, false); err != nil {
		return rerr.Transientf("acking delivery %d: %w", tag, err)
	}
	delete(r.inFlight, tag)
	return nil
}

func (r *RabbitQueue) Depth(ctx context.Context) (int, error) {
	q, err := r.channel.QueueInspect(r.queueName)
	if err != nil {
		return 0, rerr.Transientf("inspecting queue: %w", err)
	}
	return q.Messages, nil
}
