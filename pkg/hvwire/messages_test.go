package hvwire_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

func TestConnectMsgRoundTrip(t *testing.T) {
	t.Parallel()

	want := hvwire.ConnectMsg{
		Version:        hvwire.VersionWin10RS5,
		TargetCPU:      0,
		EventFlagsPage: 0xdeadbeef000,
		MonitorPage1:   0x1000,
		MonitorPage2:   0x2000,
	}

	encoded, err := hvwire.EncodeMessage(hvwire.MessageTypeConnect, want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	typ, decoded, err := hvwire.DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if typ != hvwire.MessageTypeConnect {
		t.Fatalf("type: want %v, got %v", hvwire.MessageTypeConnect, typ)
	}

	got, ok := decoded.(hvwire.ConnectMsg)
	if !ok {
		t.Fatalf("decoded type: want ConnectMsg, got %T", decoded)
	}

	if got != want {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestChannelOfferMsgRoundTrip(t *testing.T) {
	t.Parallel()

	want := hvwire.ChannelOfferMsg{
		TypeGUID:           uuid.New(),
		InstanceGUID:       uuid.New(),
		ChannelID:          9,
		DedicatedInterrupt: 1,
		ConnectionID:       0x1000e,
	}

	encoded, err := hvwire.EncodeMessage(hvwire.MessageTypeOfferChannel, want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, decoded, err := hvwire.DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := decoded.(hvwire.ChannelOfferMsg)
	if got.ChannelID != want.ChannelID || got.TypeGUID != want.TypeGUID || got.InstanceGUID != want.InstanceGUID {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestFreeGpadlResponseHasNoChannelID(t *testing.T) {
	t.Parallel()

	want := hvwire.FreeGpadlResponseMsg{GpadlID: 42}

	encoded, err := hvwire.EncodeMessage(hvwire.MessageTypeFreeGpadlResponse, want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if len(encoded) != hvwire.HeaderSize+4 {
		t.Fatalf("free-gpadl-response wire size: want %d, got %d", hvwire.HeaderSize+4, len(encoded))
	}

	_, decoded, err := hvwire.DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := decoded.(hvwire.FreeGpadlResponseMsg)
	if got != want {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestCreateGpadlMsgSplit(t *testing.T) {
	t.Parallel()

	// property 7: p - first-page-capacity pages divided by additional
	// message capacity equals the number of additional messages sent, and
	// the concatenation of page-number arrays reproduces [base..base+p).
	const totalPages = 256
	const basePage = 0x1000

	pages := make([]uint64, totalPages)
	for i := range pages {
		pages[i] = basePage + uint64(i)
	}

	first := hvwire.CreateGpadlMsg{
		ChannelID:   9,
		GpadlID:     7,
		ByteCount:   totalPages * 4096,
		PageNumbers: pages[:hvwire.CreateGpadlMaxPages],
	}

	encoded, err := first.Encode()
	if err != nil {
		t.Fatalf("encode first: %v", err)
	}

	decoded, err := hvwire.DecodeCreateGpadlMsg(encoded)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}

	if len(decoded.PageNumbers) != hvwire.CreateGpadlMaxPages {
		t.Fatalf("first message pages: want %d, got %d", hvwire.CreateGpadlMaxPages, len(decoded.PageNumbers))
	}

	remaining := pages[hvwire.CreateGpadlMaxPages:]

	var wantAdditional int
	for len(remaining) > 0 {
		wantAdditional++

		n := hvwire.CreateGpadlAdditionalMaxPages
		if n > len(remaining) {
			n = len(remaining)
		}

		remaining = remaining[n:]
	}

	gotAdditional := 0
	remaining = pages[hvwire.CreateGpadlMaxPages:]
	var reassembled []uint64
	reassembled = append(reassembled, decoded.PageNumbers...)

	for len(remaining) > 0 {
		n := hvwire.CreateGpadlAdditionalMaxPages
		if n > len(remaining) {
			n = len(remaining)
		}

		msg := hvwire.CreateGpadlAdditionalMsg{GpadlID: 7, PageNumbers: remaining[:n]}

		encoded, err := msg.Encode()
		if err != nil {
			t.Fatalf("encode additional: %v", err)
		}

		decodedAdditional, err := hvwire.DecodeCreateGpadlAdditionalMsg(encoded)
		if err != nil {
			t.Fatalf("decode additional: %v", err)
		}

		reassembled = append(reassembled, decodedAdditional.PageNumbers...)
		remaining = remaining[n:]
		gotAdditional++
	}

	if gotAdditional != wantAdditional {
		t.Fatalf("additional message count: want %d, got %d", wantAdditional, gotAdditional)
	}

	if len(reassembled) != totalPages {
		t.Fatalf("reassembled page count: want %d, got %d", totalPages, len(reassembled))
	}

	for i, pfn := range reassembled {
		if pfn != basePage+uint64(i) {
			t.Fatalf("page %d: want %#x, got %#x", i, basePage+uint64(i), pfn)
		}
	}
}

func TestMinPayloadSizeRejectsShortMessages(t *testing.T) {
	t.Parallel()

	short := hvwire.EncodeHeader(hvwire.MessageTypeOpenChannel)

	if _, _, err := hvwire.DecodeMessage(short); err == nil {
		t.Fatalf("expected error decoding truncated open-channel message")
	}
}
