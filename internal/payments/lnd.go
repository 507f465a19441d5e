package payments

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Invoice is the node's answer to an invoice creation request.
type Invoice struct {
	Index          uint64 // Node-assigned add index
	PaymentRequest string // BOLT11 encoded invoice
}

// SettlementEvent is one invoice update received from the node.
// A nil Index or Settled means the field was missing upstream.
type SettlementEvent struct {
	Index   *uint64
	Settled *bool
	Payload json.RawMessage // Forwarded verbatim to the callback
}

// NewSettlementEvent builds a fully populated event.
func NewSettlementEvent(index uint64, settled bool, payload json.RawMessage) *SettlementEvent {
	return &SettlementEvent{Index: &index, Settled: &settled, Payload: payload}
}

// Validate reports which required field is missing, if any.
func (e *SettlementEvent) Validate() error {
	switch {
	case e == nil:
		return errors.New("empty event")
	case e.Index == nil:
		return errors.New("no add_index found")
	case e.Settled == nil:
		return errors.New("no settled found")
	}
	return nil
}

// MessageKind classifies a message read from a settlement stream.
type MessageKind int

const (
	// MessageSettlement carries a settlement record in Event.
	MessageSettlement MessageKind = iota
	// MessageUpstreamError is an application-level error marker; the stream stays open.
	MessageUpstreamError
	// MessageMalformed could not be decoded and is dropped.
	MessageMalformed
)

func (k MessageKind) String() string {
	switch k {
	case MessageSettlement:
		return "settlement"
	case MessageUpstreamError:
		return "upstream_error"
	case MessageMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// StreamMessage is one element of the settlement stream.
type StreamMessage struct {
	Kind  MessageKind
	Event *SettlementEvent // Set for MessageSettlement
	Err   error            // Describes MessageUpstreamError and MessageMalformed
	Raw   []byte
}

// SettlementStream is a single, non-restartable subscription.
// Recv blocks until the next message; a non-nil error means the stream is over.
type SettlementStream interface {
	Recv() (*StreamMessage, error)
	Close() error
}

// NodeClient defines the Lightning node operations the service depends on.
type NodeClient interface {
	CreateInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64) (*Invoice, error)
	SubscribeSettlements(ctx context.Context) (SettlementStream, error)
	Close() error
}
