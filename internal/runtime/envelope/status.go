package envelope

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// StatusEvent is the event carried by a status envelope.
type StatusEvent string

const (
	// EventExpectedCount declares how many envelopes of each kind will be published.
	EventExpectedCount StatusEvent = "expected_count"
	// EventPublicationComplete terminates publication.
	EventPublicationComplete StatusEvent = "publication_complete"
	// EventProgress is informational and never changes tracker state.
	EventProgress StatusEvent = "progress"
	// EventFailed reports a failure; it travels with KindNegativeAck.
	EventFailed StatusEvent = "failed"
)

// Status is the payload of status and negative-ack envelopes.
type Status struct {
	Event          StatusEvent     `json:"event"`
	ExpectedCounts map[Kind]uint64 `json:"expected_counts,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// Terminating reports whether the status ends publication.
func (s Status) Terminating() bool {
	return s.Event == EventPublicationComplete
}

// EncodeStatus marshals s.
func EncodeStatus(s Status) ([]byte, error) {
	payload, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return payload, nil
}

// DecodeStatus unmarshals a status payload. An empty payload decodes to a
// progress event.
func DecodeStatus(payload []byte) (Status, error) {
	if len(payload) == 0 {
		return Status{Event: EventProgress}, nil
	}
	var s Status
	if err := codec.Unmarshal(payload, &s); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	switch s.Event {
	case EventExpectedCount, EventPublicationComplete, EventProgress, EventFailed:
	default:
		return Status{}, fmt.Errorf("decode status: unknown event %q", s.Event)
	}
	for kind := range s.ExpectedCounts {
		if !kind.Valid() {
			return Status{}, fmt.Errorf("decode status: unknown kind %q", kind)
		}
		if kind != KindDescription && kind != KindStatistics {
			return Status{}, fmt.Errorf("decode status: %s envelopes carry no expected count", kind)
		}
	}
	return s, nil
}
