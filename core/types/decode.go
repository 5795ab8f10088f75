package types

import (
	"encoding/json"
	"fmt"
)

// DecodeMessage parses raw JSON into the concrete variant named by its type
// field and validates it. Unknown types and foreign protocol versions fail.
func DecodeMessage(raw []byte) (Message, error) {
	var head Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("types: decode header: %w", err)
	}
	if head.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: %q", ErrProtocolVersion, head.ProtocolVersion)
	}
	var msg Message
	switch head.Type {
	case MessageIntent:
		msg = decodeInto[Intent](raw)
	case MessageAsk:
		msg = decodeInto[Ask](raw)
	case MessageBid:
		msg = decodeInto[Bid](raw)
	case MessageCounter:
		msg = decodeInto[Counter](raw)
	case MessageAccept:
		msg = decodeInto[Accept](raw)
	case MessageReject:
		msg = decodeInto[Reject](raw)
	case MessageAbort:
		msg = decodeInto[Abort](raw)
	case MessageCommit:
		msg = decodeInto[Commit](raw)
	case MessageReveal:
		msg = decodeInto[Reveal](raw)
	case MessageStreamChunk:
		msg = decodeInto[StreamChunk](raw)
	case MessageReceipt:
		msg = decodeInto[Receipt](raw)
	default:
		return nil, fmt.Errorf("types: unknown message type %q", head.Type)
	}
	if msg == nil {
		return nil, fmt.Errorf("types: malformed %s payload", head.Type)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeInto[T Message](raw []byte) Message {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
