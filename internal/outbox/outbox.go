// Package outbox carries events written inside business transactions to an
// external broker.
//
// Producers append a Message in the same transaction as the state change it
// describes. A Relay later reads pending records in batches, hands them to a
// Publisher and marks them sent, so an event is published at least once and
// only for committed transactions.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Message is an event waiting to be published.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
}

// NewJSONMessage marshals payload into a Message with a fresh id.
func NewJSONMessage(topic, key string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrap(err, "marshal payload")
	}
	return Message{
		ID:      uuid.New().String(),
		Topic:   topic,
		Key:     key,
		Payload: data,
	}, nil
}

// Record is a stored message.
type Record struct {
	Seq       int64
	Message   Message
	CreatedAt time.Time
}

// Publisher delivers messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Store reads pending records and marks them sent. A pending record is
// handed to at most one concurrent Process call.
type Store interface {
	// Process claims up to limit pending records, calls fn with them and
	// marks them sent when fn returns nil.
	Process(ctx context.Context, limit int, fn func(ctx context.Context, recs []Record) error) (int, error)
}
