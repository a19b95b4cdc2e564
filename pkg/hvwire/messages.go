package hvwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrShortMessage is returned by a Decode* function when the payload is
// smaller than the type's known fixed size.
var ErrShortMessage = errors.New("hvwire: message payload shorter than fixed size for its type")

// HeaderSize is the width of the leading message-type tag every VMBus
// channel message starts with. It is not part of any Message* struct below;
// callers strip it with DecodeHeader before handing the remainder to the
// type-specific decoder.
const HeaderSize = 4

// EncodeHeader returns the 4-byte wire encoding of a message type tag.
func EncodeHeader(t MessageType) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b, uint32(t))

	return b
}

// DecodeHeader reads the leading message-type tag and returns the remaining
// payload bytes.
func DecodeHeader(b []byte) (MessageType, []byte, error) {
	if len(b) < HeaderSize {
		return MessageTypeInvalid, nil, ErrShortMessage
	}

	return MessageType(binary.LittleEndian.Uint32(b)), b[HeaderSize:], nil
}

// ConnectMsg is sent by the guest to initiate version negotiation. It
// advertises the physical addresses the host should use for the event-flags
// page and the two monitor pages.
type ConnectMsg struct {
	Version          ProtocolVersion
	TargetCPU        uint32
	EventFlagsPage   uint64
	MonitorPage1     uint64
	MonitorPage2     uint64
}

// ConnectResponseMsg is the host's reply to ConnectMsg.
type ConnectResponseMsg struct {
	Supported    uint8
	_            [3]byte // padding to keep ConnectionID 4-byte aligned
	ConnectionID uint32
}

// ChannelOfferMsg announces a channel the host is offering to the guest.
// DedicatedInterrupt and ConnectionID are meaningful only when the
// negotiated version is newer than WS2008R2; on legacy versions
// handleChannelOffer ignores them, leaving the channel without a dedicated
// interrupt and on ConnectionIDEvents.
type ChannelOfferMsg struct {
	TypeGUID           uuid.UUID
	InstanceGUID       uuid.UUID
	ChannelID          uint32
	MonitorID          uint8
	MonitorAllocated   uint8
	DedicatedInterrupt uint16
	ConnectionID       uint32
}

// RescindChannelOfferMsg announces that a previously offered channel id is
// withdrawn.
type RescindChannelOfferMsg struct {
	ChannelID uint32
}

// OpenChannelMsg requests the host open a channel's ring-buffer pair,
// described by a single GPADL. RingBufferOffset is the RX ring's start
// expressed in pages within that GPADL.
type OpenChannelMsg struct {
	ChannelID        uint32
	OpenID           uint32
	GpadlID          uint32
	TargetCPU        uint32
	RingBufferOffset uint32
	_                uint32
}

// OpenChannelResponseMsg is the host's reply to OpenChannelMsg. Success
// requires Result == 0 and OpenID == the id the guest sent.
type OpenChannelResponseMsg struct {
	ChannelID uint32
	OpenID    uint32
	Result    uint32
}

// CloseChannelMsg requests the host close a previously opened channel.
type CloseChannelMsg struct {
	ChannelID uint32
}

const createGpadlFixedSize = 4 + 4 + 4 + 4 // ChannelID, GpadlID, ByteCount, ByteOffset

// CreateGpadlMaxPages is the number of page numbers that fit in the first
// create-gpadl message alongside its 4-byte type tag and fixed fields.
const CreateGpadlMaxPages = (HypercallMaxDataSize - HeaderSize - createGpadlFixedSize) / 8

// CreateGpadlMsg is the first (and, for short GPADLs, only) message of a
// GPADL creation. PageNumbers holds at most CreateGpadlMaxPages entries;
// remaining pages are carried by CreateGpadlAdditionalMsg.
type CreateGpadlMsg struct {
	ChannelID   uint32
	GpadlID     uint32
	ByteCount   uint32
	ByteOffset  uint32
	PageNumbers []uint64
}

const createGpadlAdditionalFixedSize = 4 // GpadlID

// CreateGpadlAdditionalMaxPages is the number of page numbers that fit in a
// single create-gpadl-additional message alongside its 4-byte type tag and
// GpadlID.
const CreateGpadlAdditionalMaxPages = (HypercallMaxDataSize - HeaderSize - createGpadlAdditionalFixedSize) / 8

// CreateGpadlAdditionalMsg carries overflow pages for a GPADL whose page
// list did not fit in the first message. It is always fire-and-forget.
type CreateGpadlAdditionalMsg struct {
	GpadlID     uint32
	PageNumbers []uint64
}

// CreateGpadlResponseMsg is the host's reply to the first create-gpadl
// message. Additional messages receive no reply.
type CreateGpadlResponseMsg struct {
	ChannelID uint32
	GpadlID   uint32
	Result    uint32
}

// FreeGpadlMsg requests the host tear down a previously created GPADL.
type FreeGpadlMsg struct {
	ChannelID uint32
	GpadlID   uint32
}

// FreeGpadlResponseMsg is the host's reply to FreeGpadlMsg. It deliberately
// carries no channel id; the correlator must match it by GpadlID alone
// (spec.md 4.B, S6).
type FreeGpadlResponseMsg struct {
	GpadlID uint32
}

// FreeChannelMsg tells the host a channel's guest-side resources have been
// released. It is always fire-and-forget.
type FreeChannelMsg struct {
	ChannelID uint32
}

// encodeFixed and decodeFixed encode/decode a fixed-size struct via
// encoding/binary. They are
// used for every message above except the two variable-length GPADL
// creation messages, which get hand-rolled codecs below.
func encodeFixed(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("hvwire: encode %T: %w", v, err)
	}

	return buf.Bytes(), nil
}

func decodeFixed(payload []byte, out any) error {
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, out); err != nil {
		return fmt.Errorf("%w: %v", ErrShortMessage, err)
	}

	return nil
}

func (m ConnectMsg) Encode() ([]byte, error)           { return encodeFixed(m) }
func DecodeConnectMsg(p []byte) (ConnectMsg, error) {
	var m ConnectMsg

	return m, decodeFixed(p, &m)
}

func (m ConnectResponseMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeConnectResponseMsg(p []byte) (ConnectResponseMsg, error) {
	var m ConnectResponseMsg

	return m, decodeFixed(p, &m)
}

func (m ChannelOfferMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeChannelOfferMsg(p []byte) (ChannelOfferMsg, error) {
	var m ChannelOfferMsg

	return m, decodeFixed(p, &m)
}

func (m RescindChannelOfferMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeRescindChannelOfferMsg(p []byte) (RescindChannelOfferMsg, error) {
	var m RescindChannelOfferMsg

	return m, decodeFixed(p, &m)
}

func (m OpenChannelMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeOpenChannelMsg(p []byte) (OpenChannelMsg, error) {
	var m OpenChannelMsg

	return m, decodeFixed(p, &m)
}

func (m OpenChannelResponseMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeOpenChannelResponseMsg(p []byte) (OpenChannelResponseMsg, error) {
	var m OpenChannelResponseMsg

	return m, decodeFixed(p, &m)
}

func (m CloseChannelMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeCloseChannelMsg(p []byte) (CloseChannelMsg, error) {
	var m CloseChannelMsg

	return m, decodeFixed(p, &m)
}

func (m CreateGpadlResponseMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeCreateGpadlResponseMsg(p []byte) (CreateGpadlResponseMsg, error) {
	var m CreateGpadlResponseMsg

	return m, decodeFixed(p, &m)
}

func (m FreeGpadlMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeFreeGpadlMsg(p []byte) (FreeGpadlMsg, error) {
	var m FreeGpadlMsg

	return m, decodeFixed(p, &m)
}

func (m FreeGpadlResponseMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeFreeGpadlResponseMsg(p []byte) (FreeGpadlResponseMsg, error) {
	var m FreeGpadlResponseMsg

	return m, decodeFixed(p, &m)
}

func (m FreeChannelMsg) Encode() ([]byte, error) { return encodeFixed(m) }
func DecodeFreeChannelMsg(p []byte) (FreeChannelMsg, error) {
	var m FreeChannelMsg

	return m, decodeFixed(p, &m)
}

// Encode hand-packs the fixed fields followed by the page-number array; it
// does not use encoding/binary because the trailing array is variable
// length, unlike every other message in this package.
func (m CreateGpadlMsg) Encode() ([]byte, error) {
	if len(m.PageNumbers) > CreateGpadlMaxPages {
		return nil, fmt.Errorf("hvwire: create-gpadl carries %d pages, max %d", len(m.PageNumbers), CreateGpadlMaxPages)
	}

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, m.ChannelID)
	_ = binary.Write(buf, binary.LittleEndian, m.GpadlID)
	_ = binary.Write(buf, binary.LittleEndian, m.ByteCount)
	_ = binary.Write(buf, binary.LittleEndian, m.ByteOffset)

	for _, pfn := range m.PageNumbers {
		_ = binary.Write(buf, binary.LittleEndian, pfn)
	}

	return buf.Bytes(), nil
}

// DecodeCreateGpadlMsg decodes a create-gpadl payload of any valid length,
// sizing PageNumbers from what remains after the fixed fields.
func DecodeCreateGpadlMsg(p []byte) (CreateGpadlMsg, error) {
	var m CreateGpadlMsg

	if len(p) < createGpadlFixedSize {
		return m, ErrShortMessage
	}

	if (len(p)-createGpadlFixedSize)%8 != 0 {
		return m, fmt.Errorf("%w: trailing page list not a multiple of 8 bytes", ErrShortMessage)
	}

	r := bytes.NewReader(p)
	_ = binary.Read(r, binary.LittleEndian, &m.ChannelID)
	_ = binary.Read(r, binary.LittleEndian, &m.GpadlID)
	_ = binary.Read(r, binary.LittleEndian, &m.ByteCount)
	_ = binary.Read(r, binary.LittleEndian, &m.ByteOffset)

	m.PageNumbers = make([]uint64, (len(p)-createGpadlFixedSize)/8)
	for i := range m.PageNumbers {
		_ = binary.Read(r, binary.LittleEndian, &m.PageNumbers[i])
	}

	return m, nil
}

// Encode hand-packs GpadlID followed by the page-number array.
func (m CreateGpadlAdditionalMsg) Encode() ([]byte, error) {
	if len(m.PageNumbers) > CreateGpadlAdditionalMaxPages {
		return nil, fmt.Errorf("hvwire: create-gpadl-additional carries %d pages, max %d", len(m.PageNumbers), CreateGpadlAdditionalMaxPages)
	}

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, m.GpadlID)

	for _, pfn := range m.PageNumbers {
		_ = binary.Write(buf, binary.LittleEndian, pfn)
	}

	return buf.Bytes(), nil
}

// DecodeCreateGpadlAdditionalMsg is the additional-message counterpart of
// DecodeCreateGpadlMsg.
func DecodeCreateGpadlAdditionalMsg(p []byte) (CreateGpadlAdditionalMsg, error) {
	var m CreateGpadlAdditionalMsg

	if len(p) < createGpadlAdditionalFixedSize {
		return m, ErrShortMessage
	}

	if (len(p)-createGpadlAdditionalFixedSize)%8 != 0 {
		return m, fmt.Errorf("%w: trailing page list not a multiple of 8 bytes", ErrShortMessage)
	}

	r := bytes.NewReader(p)
	_ = binary.Read(r, binary.LittleEndian, &m.GpadlID)

	m.PageNumbers = make([]uint64, (len(p)-createGpadlAdditionalFixedSize)/8)
	for i := range m.PageNumbers {
		_ = binary.Read(r, binary.LittleEndian, &m.PageNumbers[i])
	}

	return m, nil
}
