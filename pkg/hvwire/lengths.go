package hvwire

import "unsafe"

// MinPayloadSize returns the smallest legal payload size for a message of
// type t, not counting the leading type tag. The deferred message worker
// (spec.md 4.D) checks every inbound message against this table before
// looking at its fields; types absent from the table are rejected outright.
func MinPayloadSize(t MessageType) (int, bool) {
	n, ok := messageMinPayloadSize[t]

	return n, ok
}

var messageMinPayloadSize = map[MessageType]int{
	MessageTypeConnect:             int(unsafe.Sizeof(ConnectMsg{})),
	MessageTypeConnectResponse:     int(unsafe.Sizeof(ConnectResponseMsg{})),
	MessageTypeOfferChannel:        int(unsafe.Sizeof(ChannelOfferMsg{})),
	MessageTypeRescindChannelOffer: int(unsafe.Sizeof(RescindChannelOfferMsg{})),
	MessageTypeRequestChannels:     0,
	MessageTypeRequestChannelsDone: 0,
	MessageTypeOpenChannel:         int(unsafe.Sizeof(OpenChannelMsg{})),
	MessageTypeOpenChannelResponse: int(unsafe.Sizeof(OpenChannelResponseMsg{})),
	MessageTypeCloseChannel:        int(unsafe.Sizeof(CloseChannelMsg{})),
	MessageTypeCreateGpadl:         createGpadlFixedSize,
	MessageTypeCreateGpadlAdditional: createGpadlAdditionalFixedSize,
	MessageTypeCreateGpadlResponse:   int(unsafe.Sizeof(CreateGpadlResponseMsg{})),
	MessageTypeFreeGpadl:             int(unsafe.Sizeof(FreeGpadlMsg{})),
	MessageTypeFreeGpadlResponse:     int(unsafe.Sizeof(FreeGpadlResponseMsg{})),
	MessageTypeFreeChannel:           int(unsafe.Sizeof(FreeChannelMsg{})),
	MessageTypeDisconnect:            0,

	// Reserved, unimplemented by this core; listed so MinPayloadSize
	// reports them as known types. Their minimum of 0 passes the length
	// check, and DecodeMessage then rejects them as reserved.
	MessageTypeModifyChannel:       0,
	MessageTypeModifyChannelResult: 0,
}
