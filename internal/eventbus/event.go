package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/postmesh/postmesh/internal/messaging"
)

const envelopeContentType = cloudevents.ApplicationCloudEventsJSON

var (
	// ErrPublishFailed wraps every Emit failure.
	ErrPublishFailed = errors.New("event publish failed")
	// ErrMalformedPayload is returned when an envelope or its data cannot be
	// decoded.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// HandlerError reports a delivery that could not be handled. The broker
// connection requeues or dead-letters the event.
type HandlerError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s event %s: %v", e.Topic, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Event is a decoded delivery.
type Event struct {
	ID     string
	Topic  string
	Source string
	Time   time.Time
	Data   json.RawMessage
	// Redelivered is set when the broker delivered this event before.
	Redelivered bool
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Topic, err)
	}
	return nil
}

func encodeEnvelope(topic, source string, payload any) (string, []byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	ce := cloudevents.NewEvent()
	ce.SetID(id.String())
	ce.SetSource(source)
	ce.SetType(topic)
	ce.SetTime(time.Now().UTC())
	if err := ce.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return "", nil, err
	}
	if err := ce.Validate(); err != nil {
		return "", nil, err
	}

	body, err := json.Marshal(ce)
	if err != nil {
		return "", nil, err
	}
	return ce.ID(), body, nil
}

func decodeEnvelope(d messaging.Delivery) (Event, error) {
	var ce cloudevents.Event
	if err := json.Unmarshal(d.Body, &ce); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := ce.Validate(); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return Event{
		ID:          ce.ID(),
		Topic:       ce.Type(),
		Source:      ce.Source(),
		Time:        ce.Time(),
		Data:        json.RawMessage(ce.Data()),
		Redelivered: d.Redelivered,
	}, nil
}
