package fetch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
)

// Request asks the background worker to run one principal's fetch to
// completion. It carries no cursor: the worker restarts the whole window.
type Request struct {
	ClientID      string    `json:"client_id"`
	AthleteID     int64     `json:"athlete_id"`
	CorrelationID string    `json:"correlation_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// NewRequest builds a Request for the principal with a fresh correlation id.
func NewRequest(p domain.Principal) Request {
	return Request{
		ClientID:      p.ClientID,
		AthleteID:     p.AthleteID,
		CorrelationID: uuid.NewString(),
		RequestedAt:   time.Now().UTC(),
	}
}

// Principal returns the principal the request targets.
func (r Request) Principal() domain.Principal {
	return domain.Principal{ClientID: r.ClientID, AthleteID: r.AthleteID}
}

// KafkaPublisher writes fetch requests to the worker topic. Messages are keyed
// by principal so retries for one athlete stay ordered on one partition.
type KafkaPublisher struct {
	mu     sync.Mutex
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			Async:        false,
		},
	}
}

// Publish writes one request.
func (p *KafkaPublisher) Publish(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.Principal().Key()),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Close()
}
