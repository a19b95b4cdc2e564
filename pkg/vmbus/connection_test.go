package vmbus

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/hyperv-go/vmbus/internal/hvservices"
	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	services := &hvservices.Services{Registrar: hvservices.NewLogRegistrar(log)}

	b := NewBus(log, services)
	b.channels = newChannelTable(32)
	// Rescind teardown posts a fire-and-forget free-channel, so the
	// correlator needs a poster and an allocator to post through.
	b.correlator = newCorrelator(log, &fakePoster{}, fakeAllocator{})

	return b
}

func TestFreeSpacePlusDataAvailableIsRingLen(t *testing.T) {
	t.Parallel()

	// Every byte of the ring is either free or unread; verify that across
	// a wraparound, a non-wraparound and an empty-ring case.
	cases := []struct {
		ringLen, w, r uint32
	}{
		{4096, 100, 50},
		{4096, 50, 100},
		{4096, 0, 0},
		{4096, 4095, 0},
	}

	for _, c := range cases {
		free := freeSpace(c.ringLen, c.w, c.r)
		avail := dataAvailable(c.ringLen, c.w, c.r)

		if free+avail != c.ringLen {
			t.Fatalf("freeSpace(%d,%d)=%d + dataAvailable(%d,%d)=%d != ringLen %d",
				c.w, c.r, free, c.w, c.r, avail, c.ringLen)
		}
	}
}

func TestBusStateString(t *testing.T) {
	t.Parallel()

	cases := map[busState]string{
		busUninit:        "uninit",
		busConnecting:    "connecting",
		busConnected:     "connected",
		busDisconnecting: "disconnecting",
		busDisconnected:  "disconnected",
		busState(99):     "unknown",
	}

	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("busState(%d).String(): want %q, got %q", state, want, got)
		}
	}
}

func TestResponseDiscriminatorRules(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	openResp := hvwire.OpenChannelResponseMsg{ChannelID: 11, OpenID: 11}
	payload, err := openResp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	id, err := b.responseDiscriminator(hvwire.MessageTypeOpenChannelResponse, payload)
	if err != nil {
		t.Fatalf("responseDiscriminator: %v", err)
	}

	if id != 11 {
		t.Fatalf("discriminator: want 11, got %d", id)
	}

	id, err = b.responseDiscriminator(hvwire.MessageTypeConnectResponse, nil)
	if err != nil {
		t.Fatalf("responseDiscriminator for connect-response: %v", err)
	}

	if id != 0 {
		t.Fatalf("connect-response discriminator: want 0, got %d", id)
	}

	if _, err := b.responseDiscriminator(hvwire.MessageTypeOfferChannel, nil); err == nil {
		t.Fatalf("responseDiscriminator for offer-channel: want error, got nil")
	}
}

func TestHandleChannelOfferThenRescind(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	offer := hvwire.ChannelOfferMsg{
		ChannelID:    4,
		TypeGUID:     uuid.New(),
		InstanceGUID: uuid.New(),
	}

	b.handleChannelOffer(offer)

	ch, err := b.channels.getChannel(4)
	if err != nil {
		t.Fatalf("getChannel after offer: %v", err)
	}
	ch.mu.Unlock()

	if ch.TypeGUID != offer.TypeGUID {
		t.Fatalf("TypeGUID: want %v, got %v", offer.TypeGUID, ch.TypeGUID)
	}

	b.handleRescind(4)

	if _, err := b.channels.getChannel(4); err == nil {
		t.Fatalf("getChannel after rescind: want error, got nil")
	}
}

func TestHandleChannelOfferLegacyVersionIgnoresOfferConnectionID(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	b.version = hvwire.VersionWS2008R2

	offer := hvwire.ChannelOfferMsg{
		ChannelID:          6,
		TypeGUID:           uuid.New(),
		InstanceGUID:       uuid.New(),
		DedicatedInterrupt: 1,
		ConnectionID:       0xabc,
	}

	b.handleChannelOffer(offer)

	ch, err := b.channels.getChannel(6)
	if err != nil {
		t.Fatalf("getChannel: %v", err)
	}
	ch.mu.Unlock()

	if ch.DedicatedInterrupt {
		t.Fatalf("DedicatedInterrupt: want false on the legacy version boundary, got true")
	}

	if ch.ConnectionID != hvwire.ConnectionIDEvents {
		t.Fatalf("ConnectionID: want the default events connection id, got %#x", ch.ConnectionID)
	}
}
