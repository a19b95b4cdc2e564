package hvwire

import "fmt"

// DecodeMessage strips the leading type tag from b and decodes the payload
// into the struct matching that type. It returns the decoded message as an
// any so callers can type-switch; every concrete type is one of the
// Message* structs in messages.go. This is the "sum type with hand-rolled
// deserialiser that asserts payload-size bounds before viewing the variant"
// the wire format calls for in place of the source's packed C union.
func DecodeMessage(b []byte) (MessageType, any, error) {
	t, payload, err := DecodeHeader(b)
	if err != nil {
		return t, nil, err
	}

	minLen, known := MinPayloadSize(t)
	if !known {
		return t, nil, fmt.Errorf("hvwire: unrecognized message type %d", uint32(t))
	}

	if len(payload) < minLen {
		return t, nil, fmt.Errorf("hvwire: message type %s: %w (have %d, want >= %d)", t, ErrShortMessage, len(payload), minLen)
	}

	switch t {
	case MessageTypeConnect:
		m, err := DecodeConnectMsg(payload)
		return t, m, err
	case MessageTypeConnectResponse:
		m, err := DecodeConnectResponseMsg(payload)
		return t, m, err
	case MessageTypeOfferChannel:
		m, err := DecodeChannelOfferMsg(payload)
		return t, m, err
	case MessageTypeRescindChannelOffer:
		m, err := DecodeRescindChannelOfferMsg(payload)
		return t, m, err
	case MessageTypeRequestChannelsDone:
		return t, struct{}{}, nil
	case MessageTypeOpenChannel:
		m, err := DecodeOpenChannelMsg(payload)
		return t, m, err
	case MessageTypeOpenChannelResponse:
		m, err := DecodeOpenChannelResponseMsg(payload)
		return t, m, err
	case MessageTypeCloseChannel:
		m, err := DecodeCloseChannelMsg(payload)
		return t, m, err
	case MessageTypeCreateGpadl:
		m, err := DecodeCreateGpadlMsg(payload)
		return t, m, err
	case MessageTypeCreateGpadlAdditional:
		m, err := DecodeCreateGpadlAdditionalMsg(payload)
		return t, m, err
	case MessageTypeCreateGpadlResponse:
		m, err := DecodeCreateGpadlResponseMsg(payload)
		return t, m, err
	case MessageTypeFreeGpadl:
		m, err := DecodeFreeGpadlMsg(payload)
		return t, m, err
	case MessageTypeFreeGpadlResponse:
		m, err := DecodeFreeGpadlResponseMsg(payload)
		return t, m, err
	case MessageTypeFreeChannel:
		m, err := DecodeFreeChannelMsg(payload)
		return t, m, err
	case MessageTypeDisconnect:
		return t, struct{}{}, nil
	case MessageTypeModifyChannel, MessageTypeModifyChannelResult:
		return t, nil, fmt.Errorf("hvwire: message type %s is reserved and not implemented by this core", t)
	default:
		return t, nil, fmt.Errorf("hvwire: no decoder registered for message type %s", t)
	}
}

// EncodeMessage prefixes msg's wire encoding with its type tag.
func EncodeMessage(t MessageType, msg encoder) ([]byte, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	return append(EncodeHeader(t), payload...), nil
}

type encoder interface {
	Encode() ([]byte, error)
}
