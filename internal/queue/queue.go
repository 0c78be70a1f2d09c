package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DispatchTopic is the default topic dispatch jobs are published on.
const DispatchTopic = "campaign_dispatch"

// Queue moves dispatch jobs between the API and whoever runs them.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// DispatchJob asks a worker to run Dispatch for one campaign.
type DispatchJob struct {
	CampaignID int    `json:"campaign_id"`
	Strategy   string `json:"strategy,omitempty"`
}

// DecodeDispatchJob accepts either a DispatchJob value (in-memory queue) or a
// JSON body (AMQP).
func DecodeDispatchJob(payload any) (DispatchJob, error) {
	switch p := payload.(type) {
	case DispatchJob:
		return p, nil
	case *DispatchJob:
		return *p, nil
	case []byte:
		var job DispatchJob
		if err := json.Unmarshal(p, &job); err != nil {
			return DispatchJob{}, fmt.Errorf("invalid dispatch job: %w", err)
		}
		return job, nil
	}
	return DispatchJob{}, fmt.Errorf("invalid payload type %T, expected DispatchJob", payload)
}

// InMemoryQueue is an in-process queue with retry
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	wg         sync.WaitGroup
	log        zerolog.Logger
	MaxRetries int
	RetryDelay time.Duration
}

// NewInMemoryQueue returns a queue that retries failed deliveries with linear backoff.
func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		log:        log.With().Str("component", "memqueue").Logger(),
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// JobPayload tracks delivery attempts for one payload.
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish delivers payload to every handler subscribed to topic, each on its own goroutine.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{
			Payload:    payload,
			RetryCount: 0,
			MaxRetries: q.MaxRetries,
		}
		q.wg.Add(1)
		go q.processJob(topic, handler, job)
	}

	return nil
}

// processJob runs handler until it succeeds or the retry budget is spent.
func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	for job.RetryCount <= job.MaxRetries {
		err := handler(job.Payload)
		if err == nil {
			q.log.Debug().Str("topic", topic).Interface("payload", job.Payload).Msg("job processed")
			return // ACK
		}

		job.RetryCount++
		q.log.Warn().Err(err).
			Str("topic", topic).
			Int("attempt", job.RetryCount).
			Int("max_retries", job.MaxRetries).
			Msg("job failed")

		if job.RetryCount > job.MaxRetries {
			q.log.Error().Str("topic", topic).Interface("payload", job.Payload).Msg("job permanently failed")
			return // dropped
		}

		// Linear backoff before retry
		time.Sleep(time.Duration(job.RetryCount) * q.RetryDelay)
	}
}

// Subscribe registers handler for topic.
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// StartDispatchSubscriber routes jobs on topic to handle.
func StartDispatchSubscriber(q Queue, topic string, handle func(job DispatchJob) error, log zerolog.Logger) error {
	return q.Subscribe(topic, func(payload any) error {
		job, err := DecodeDispatchJob(payload)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ dropping undecodable dispatch job")
			return nil // retrying cannot help
		}
		log.Info().Int("campaign_id", job.CampaignID).Str("strategy", job.Strategy).Msg("📩 processing dispatch job")
		return handle(job)
	})
}
