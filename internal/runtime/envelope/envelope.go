// Package envelope defines the unit exchanged on the wire by evaluation
// sessions and its mapping onto Watermill messages.
package envelope

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/evalflow/internal/runtime/config"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/ids"
)

// Kind identifies the lifecycle message carried by an envelope.
type Kind string

const (
	KindDescription Kind = "description"
	KindStatistics  Kind = "statistics"
	KindStatus      Kind = "status"
	KindNegativeAck Kind = "negative-ack"
)

// Kinds lists every valid kind.
var Kinds = []Kind{KindDescription, KindStatistics, KindStatus, KindNegativeAck}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDescription, KindStatistics, KindStatus, KindNegativeAck:
		return true
	}
	return false
}

// Header names carried as message metadata.
const (
	HeaderCorrelationID = "correlationId"
	HeaderProducerID    = "producerId"
	HeaderKind          = "kind"
	HeaderSequence      = "sequence"
)

// RouteFor returns the logical destination an envelope of kind k is published to.
func RouteFor(k Kind) string {
	switch k {
	case KindDescription:
		return config.DestinationEvaluation
	case KindStatistics:
		return config.DestinationStatistics
	default:
		return config.DestinationStatus
	}
}

// Envelope is one message of an evaluation. Sequence numbers start at 1 and
// increase strictly within (ProducerID, Kind).
type Envelope struct {
	Kind          Kind
	CorrelationID string
	ProducerID    string
	Sequence      uint64
	Payload       []byte
}

// Key identifies an envelope for duplicate detection.
type Key struct {
	ProducerID string
	Kind       Kind
	Sequence   uint64
}

func (e Envelope) Key() Key {
	return Key{ProducerID: e.ProducerID, Kind: e.Kind, Sequence: e.Sequence}
}

// ToMessage encodes the envelope as a Watermill message with a fresh ULID.
func (e Envelope) ToMessage() *message.Message {
	msg := message.NewMessage(ids.CreateULID(), e.Payload)
	msg.Metadata.Set(HeaderCorrelationID, e.CorrelationID)
	msg.Metadata.Set(HeaderProducerID, e.ProducerID)
	msg.Metadata.Set(HeaderKind, string(e.Kind))
	msg.Metadata.Set(HeaderSequence, strconv.FormatUint(e.Sequence, 10))
	return msg
}

// FromMessage decodes msg. Missing or malformed headers yield a
// *errors.ProtocolViolationError.
func FromMessage(msg *message.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, &errspkg.ProtocolViolationError{Reason: "nil message"}
	}

	env := Envelope{
		Kind:          Kind(msg.Metadata.Get(HeaderKind)),
		CorrelationID: msg.Metadata.Get(HeaderCorrelationID),
		ProducerID:    msg.Metadata.Get(HeaderProducerID),
		Payload:       msg.Payload,
	}

	violation := func(reason string) error {
		return &errspkg.ProtocolViolationError{
			CorrelationID: env.CorrelationID,
			Kind:          string(env.Kind),
			Reason:        reason,
		}
	}

	if env.CorrelationID == "" {
		return Envelope{}, violation("missing " + HeaderCorrelationID + " header")
	}
	if !env.Kind.Valid() {
		return Envelope{}, violation(fmt.Sprintf("unknown kind %q", env.Kind))
	}
	if env.ProducerID == "" {
		return Envelope{}, violation("missing " + HeaderProducerID + " header")
	}
	seq, err := strconv.ParseUint(msg.Metadata.Get(HeaderSequence), 10, 64)
	if err != nil || seq == 0 {
		return Envelope{}, violation(fmt.Sprintf("invalid sequence %q", msg.Metadata.Get(HeaderSequence)))
	}
	env.Sequence = seq
	return env, nil
}

// Selector filters messages by correlation id.
type Selector struct {
	CorrelationID string
}

// Matches reports whether msg belongs to the selected evaluation.
func (s Selector) Matches(msg *message.Message) bool {
	return msg != nil && msg.Metadata.Get(HeaderCorrelationID) == s.CorrelationID
}

func (s Selector) String() string {
	return fmt.Sprintf("%s = '%s'", HeaderCorrelationID, s.CorrelationID)
}
