package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue is a Queue backed by RabbitMQ. Each topic maps to one durable
// queue on the default exchange.
type AMQPQueue struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         *amqp.Channel
	declared   map[string]bool
	log        zerolog.Logger
	MaxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func DialAMQP(url string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		conn:       conn,
		ch:         ch,
		declared:   map[string]bool{},
		log:        log.With().Str("component", "amqp").Logger(),
		MaxRetries: 3,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (q *AMQPQueue) declare(topic string) error {
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
}

// Subscribe consumes topic with manual acks. A failed delivery is
// republished with an incremented retry header until MaxRetries.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				q.handle(topic, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler func(payload any) error) {
	err := handler(d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	q.log.Warn().Err(err).Str("topic", topic).Int("retry", retries).Msg("delivery failed")
	if retries < q.MaxRetries {
		if perr := q.publish(topic, d.Body, retries+1); perr != nil {
			q.log.Error().Err(perr).Msg("failed to requeue delivery")
			d.Nack(false, true) // let the broker redeliver
			return
		}
	} else {
		q.log.Error().Str("topic", topic).Msg("delivery permanently failed")
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close stops consumers and closes the connection.
func (q *AMQPQueue) Close() error {
	q.cancel()
	q.mu.Lock()
	q.ch.Close()
	q.mu.Unlock()
	q.wg.Wait()
	return q.conn.Close()
}
