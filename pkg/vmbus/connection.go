package vmbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hyperv-go/vmbus/internal/hvservices"
	"github.com/hyperv-go/vmbus/internal/util"
	"github.com/hyperv-go/vmbus/pkg/hvcall"
	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// messageTypeChannel mirrors the HV-level message type every VMBus message
// slot carries; it is unexported in pkg/hvcall, so it is restated here
// rather than threading an extra export across the package boundary just
// for this one comparison.
const messageTypeChannel uint32 = 1

// synicMessageHeader is the layout this core gives its simulated SynIC
// message slot: type, payload size, a flags word (bit 0: another message
// is already pending behind this one), and reserved padding out to
// hvwire.HypercallMaxSize.
const (
	synicMessageHeaderSize = 16
	synicMessagePendingBit = 1 << 0
)

// eventFlagsKind replaces the source's member-function-pointer dispatch for
// the version-dependent event-flags scan with a tagged enum tested at the
// scan site (spec.md Design Notes/REDESIGN FLAGS).
type eventFlagsKind int32

const (
	eventFlagsNone eventFlagsKind = iota
	eventFlagsLegacy
	eventFlagsModern
)

type busState int32

const (
	busUninit busState = iota
	busConnecting
	busConnected
	busDisconnecting
	busDisconnected
)

func (s busState) String() string {
	switch s {
	case busUninit:
		return "uninit"
	case busConnecting:
		return "connecting"
	case busConnected:
		return "connected"
	case busDisconnecting:
		return "disconnecting"
	case busDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Bus is the VMBus connection singleton: bring-up, version negotiation, the
// per-CPU interrupt/message-dispatch path, and channel lifecycle
// registration (spec.md 4.D, component D). It owns one request correlator,
// one channel table and one GPADL manager, constructed once and never
// reached through a package-level global.
type Bus struct {
	log      *slog.Logger
	services *hvservices.Services

	mu    sync.Mutex
	state busState

	version      hvwire.ProtocolVersion
	connectionID uint32

	caller     *hvcall.Caller
	correlator *correlator
	channels   *channelTable
	gpadls     *gpadlManager

	hypercallPage    hvservices.PhysicalBuffer
	messagePages     []hvservices.PhysicalBuffer
	eventFlagsPages  []hvservices.PhysicalBuffer
	busRXEventFlags  hvservices.PhysicalBuffer
	busTXEventFlags  hvservices.PhysicalBuffer
	monitorPages     [2]hvservices.PhysicalBuffer
	irqVector        uint8
	eventFlagsKindAt atomic.Int32

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// NewBus constructs a disconnected Bus. Call Connect, then RequestChannels,
// to bring it up.
func NewBus(log *slog.Logger, services *hvservices.Services) *Bus {
	return &Bus{log: log.With("component", "vmbus"), services: services}
}

// GetVersion returns the negotiated protocol version. It is zero before
// Connect succeeds.
func (b *Bus) GetVersion() hvwire.ProtocolVersion {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.version
}

func (b *Bus) setState(s busState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bus) requireState(want busState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != want {
		return fmt.Errorf("%w: bus is %s, need %s", ErrNotSupported, b.state, want)
	}

	return nil
}

// Connect runs spec.md 4.D's bring-up sequence through version negotiation
// and channel-table sizing (steps 1-7); RequestChannels (step 8) is a
// separate call, following the source's own separation of Connect and
// RequestChannels.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.requireState(busUninit); err != nil {
		return err
	}

	b.setState(busConnecting)

	if err := b.allocateBuffers(); err != nil {
		return err
	}

	hvcall.EnableHypercalls(b.hypercallPage.PFN())
	b.caller = hvcall.NewCaller(uintptr(unsafe.Pointer(&b.hypercallPage.Bytes()[0])))
	b.correlator = newCorrelator(b.log, b.caller, b.services.Allocator)
	b.gpadls = newGpadlManager(b.correlator, b.services.Allocator)

	dev, err := b.services.ACPI.FindDevice("VMBUS")
	if err != nil {
		return fmt.Errorf("locating vmbus acpi device: %w", err)
	}

	if len(dev.IRQs) == 0 {
		return fmt.Errorf("%w: vmbus acpi device exposes no irq", ErrIO)
	}

	b.irqVector = uint8(dev.IRQs[0])

	util.TraceLog(b.log, "programming synic msrs", "irq", dev.IRQs[0], "cpus", b.services.CPU.NumCPU())

	err = b.services.CPU.Broadcast(ctx, func(cpu int) error {
		hvcall.EnableCPU(b.messagePages[cpu].PFN(), b.eventFlagsPages[cpu].PFN(), b.irqVector)

		return nil
	})
	if err != nil {
		return fmt.Errorf("programming synic msrs: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b.pollCancel = cancel

	for cpu := 0; cpu < b.services.CPU.NumCPU(); cpu++ {
		cpu := cpu

		b.pollWG.Add(1)

		go func() {
			defer b.pollWG.Done()
			b.pollCPU(pollCtx, cpu)
		}()
	}

	version, connectionID, err := b.negotiateVersion(ctx)
	if err != nil {
		return err
	}

	b.version = version
	b.connectionID = connectionID

	kind := eventFlagsModern
	if version.IsLegacy() {
		kind = eventFlagsLegacy
	}

	b.eventFlagsKindAt.Store(int32(kind))
	b.channels = newChannelTable(version.ChannelTableSize())

	b.log.Info("vmbus connected", "version", version, "connection_id", connectionID, "channel_table_size", version.ChannelTableSize())
	b.setState(busConnected)

	return nil
}

func (b *Bus) allocateBuffers() error {
	var err error

	if b.hypercallPage, err = b.services.Allocator.Allocate(1); err != nil {
		return fmt.Errorf("allocating hypercall page: %w", err)
	}

	numCPU := b.services.CPU.NumCPU()
	b.messagePages = make([]hvservices.PhysicalBuffer, numCPU)
	b.eventFlagsPages = make([]hvservices.PhysicalBuffer, numCPU)

	for cpu := 0; cpu < numCPU; cpu++ {
		if b.messagePages[cpu], err = b.services.Allocator.Allocate(1); err != nil {
			return fmt.Errorf("allocating cpu %d message page: %w", cpu, err)
		}

		if b.eventFlagsPages[cpu], err = b.services.Allocator.Allocate(1); err != nil {
			return fmt.Errorf("allocating cpu %d event-flags page: %w", cpu, err)
		}
	}

	if b.busRXEventFlags, err = b.services.Allocator.Allocate(1); err != nil {
		return fmt.Errorf("allocating rx event-flags page: %w", err)
	}

	if b.busTXEventFlags, err = b.services.Allocator.Allocate(1); err != nil {
		return fmt.Errorf("allocating tx event-flags page: %w", err)
	}

	for i := range b.monitorPages {
		if b.monitorPages[i], err = b.services.Allocator.Allocate(1); err != nil {
			return fmt.Errorf("allocating monitor page %d: %w", i, err)
		}
	}

	return nil
}

// negotiateVersion implements spec.md 4.D step 5: walk hvwire.SupportedVersions
// newest-first, adopting the first one the host reports as supported.
func (b *Bus) negotiateVersion(ctx context.Context) (hvwire.ProtocolVersion, uint32, error) {
	for _, v := range hvwire.SupportedVersions {
		msg := hvwire.ConnectMsg{
			Version:        v,
			TargetCPU:      0,
			EventFlagsPage: b.busRXEventFlags.PFN() << 12,
			MonitorPage1:   b.monitorPages[0].PFN() << 12,
			MonitorPage2:   b.monitorPages[1].PFN() << 12,
		}

		framed, err := frame(hvwire.MessageTypeConnect, msg)
		if err != nil {
			return 0, 0, err
		}

		payload, err := b.correlator.send(ctx, hvwire.ConnectionIDMessage, framed, hvwire.MessageTypeConnectResponse, 0)
		if err != nil {
			return 0, 0, fmt.Errorf("negotiating version %s: %w", v, err)
		}

		resp, err := hvwire.DecodeConnectResponseMsg(payload)
		if err != nil {
			return 0, 0, fmt.Errorf("decoding connect-response for version %s: %w", v, err)
		}

		if resp.Supported != 0 {
			return v, resp.ConnectionID, nil
		}

		util.TraceLog(b.log, "host rejected protocol version", "version", v)
	}

	return 0, 0, fmt.Errorf("%w: host rejected every supported protocol version", ErrNotSupported)
}

// RequestChannels implements spec.md 4.D step 8. Every offer that arrives
// while this call is outstanding is registered synchronously: the deferred
// message worker is a single serialized goroutine (internal/hvservices's
// DeferredQueue has exactly one worker), so it processes offers strictly
// before it processes the request-channels-done reply that unblocks this
// call — the same ordering spec.md 4.D asks a dedicated pre-drain phase to
// provide, obtained here for free from the queue's own serialization rather
// than from a second worker thread.
func (b *Bus) RequestChannels(ctx context.Context) error {
	if err := b.requireState(busConnected); err != nil {
		return err
	}

	_, err := b.correlator.send(ctx, b.connectionID, hvwire.EncodeHeader(hvwire.MessageTypeRequestChannels), hvwire.MessageTypeRequestChannelsDone, 0)
	if err != nil {
		return fmt.Errorf("requesting channels: %w", err)
	}

	return nil
}

// Disconnect implements spec.md 4.D: mask the event-flags handler, tear
// down every surviving channel, then send disconnect. The disconnect is
// fire-and-forget: Disconnect posts it and goes on with local teardown; it
// does not wait for, or match, any reply from the host.
func (b *Bus) Disconnect(ctx context.Context) error {
	if err := b.requireState(busConnected); err != nil {
		return err
	}

	b.setState(busDisconnecting)
	b.eventFlagsKindAt.Store(int32(eventFlagsNone))

	for id := uint32(1); id <= b.channels.highest(); id++ {
		if ch := b.channels.peek(id); ch != nil {
			b.teardownChannel(ch, false)
		}
	}

	if err := b.correlator.postFireAndForget(b.connectionID, hvwire.EncodeHeader(hvwire.MessageTypeDisconnect)); err != nil {
		b.log.Warn("sending disconnect", "error", err)
	}

	if b.pollCancel != nil {
		b.pollCancel()
		b.pollWG.Wait()
	}

	if err := b.services.CPU.Broadcast(ctx, func(int) error { hvcall.DisableCPU(); return nil }); err != nil {
		b.log.Warn("disabling synic msrs", "error", err)
	}

	hvcall.DisableHypercalls()
	b.freeBuffers()
	b.setState(busDisconnected)

	return nil
}

func (b *Bus) freeBuffers() {
	for i := range b.monitorPages {
		if b.monitorPages[i] != nil {
			b.monitorPages[i].Free()
		}
	}

	if b.busTXEventFlags != nil {
		b.busTXEventFlags.Free()
	}

	if b.busRXEventFlags != nil {
		b.busRXEventFlags.Free()
	}

	for _, p := range b.eventFlagsPages {
		if p != nil {
			p.Free()
		}
	}

	for _, p := range b.messagePages {
		if p != nil {
			p.Free()
		}
	}

	if b.hypercallPage != nil {
		b.hypercallPage.Free()
	}
}

// pollCPU stands in for the hardware IRQ path spec.md 4.D describes: this
// core cannot register a real interrupt handler from user space, so each
// CPU's SynIC state is polled by a goroutine pinned to that CPU, which
// calls the same event-flags handler and deferred-worker dispatch a real
// ISR would call from interrupt context.
func (b *Bus) pollCPU(ctx context.Context, cpu int) {
	pinToCPU(cpu)

	ticker := time.NewTicker(500 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.scanEventFlags(cpu)

			if b.messageSlotHasWork(cpu) {
				b.services.Deferred.Enqueue(func() { b.deferredMessageWorker(cpu) })
			}
		}
	}
}

func pinToCPU(cpu int) {
	runtime.LockOSThread()

	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}

func (b *Bus) messageSlotHasWork(cpu int) bool {
	slot := b.messagePages[cpu].Bytes()
	typ := atomic.LoadUint32((*uint32)(unsafe.Pointer(&slot[0])))

	return typ != 0
}

// scanEventFlags implements spec.md 4.D's version-dependent event-flags
// handler as a tagged-enum branch rather than a member-function-pointer
// dispatch (spec.md REDESIGN FLAGS).
func (b *Bus) scanEventFlags(cpu int) {
	switch eventFlagsKind(b.eventFlagsKindAt.Load()) {
	case eventFlagsNone:
		return
	case eventFlagsLegacy:
		perCPU := (*uint32)(unsafe.Pointer(&b.eventFlagsPages[cpu].Bytes()[0]))
		if atomic.SwapUint32(perCPU, 0) == 0 {
			return
		}

		b.scanEventFlagWords(b.busRXEventFlags.Bytes())
	case eventFlagsModern:
		b.scanEventFlagWords(b.eventFlagsPages[cpu].Bytes())
	}
}

// scanEventFlagWords atomically drains buf one 32-bit word at a time,
// dispatching a callback for every set bit whose index is a live channel
// id. Bit 0 is reserved (spec.md 4.D).
func (b *Bus) scanEventFlagWords(buf []byte) {
	highest := b.channels.highest()

	for w := 0; w*4+4 <= len(buf); w++ {
		ptr := (*uint32)(unsafe.Pointer(&buf[w*4]))

		val := atomic.SwapUint32(ptr, 0)
		if val == 0 {
			continue
		}

		for bit := 0; bit < 32; bit++ {
			if val&(1<<uint(bit)) == 0 {
				continue
			}

			id := uint32(w*32 + bit)
			if id == 0 || id > highest {
				continue
			}

			b.channels.dispatchCallback(id)
		}
	}
}

// deferredMessageWorker implements spec.md 4.D's deferred message worker
// for the single SynIC message slot belonging to cpu.
func (b *Bus) deferredMessageWorker(cpu int) {
	slot := b.messagePages[cpu].Bytes()

	typ := binary.LittleEndian.Uint32(slot[0:4])
	if typ != messageTypeChannel {
		b.clearSlot(cpu)
		b.ackMessage(cpu, false)

		return
	}

	payloadSize := binary.LittleEndian.Uint32(slot[4:8])
	pending := binary.LittleEndian.Uint32(slot[8:12])&synicMessagePendingBit != 0

	if payloadSize < hvwire.HeaderSize || int(payloadSize) > hvwire.HypercallMaxDataSize {
		b.log.Warn("dropping malformed synic message", "cpu", cpu, "payload_size", payloadSize)
		b.clearSlot(cpu)
		b.ackMessage(cpu, pending)

		return
	}

	payload := slot[synicMessageHeaderSize : synicMessageHeaderSize+payloadSize]

	msgType, rest, err := hvwire.DecodeHeader(payload)
	if err != nil {
		b.log.Warn("dropping malformed vmbus message", "cpu", cpu, "error", err)
		b.clearSlot(cpu)
		b.ackMessage(cpu, pending)

		return
	}

	minLen, known := hvwire.MinPayloadSize(msgType)
	if !known || len(rest) < minLen {
		b.log.Warn("dropping undersized vmbus message", "cpu", cpu, "type", msgType, "len", len(rest))
		b.clearSlot(cpu)
		b.ackMessage(cpu, pending)

		return
	}

	switch msgType {
	case hvwire.MessageTypeOfferChannel:
		if m, err := hvwire.DecodeChannelOfferMsg(rest); err != nil {
			b.log.Warn("decoding channel-offer", "error", err)
		} else {
			b.handleChannelOffer(m)
		}
	case hvwire.MessageTypeRescindChannelOffer:
		if m, err := hvwire.DecodeRescindChannelOfferMsg(rest); err != nil {
			b.log.Warn("decoding rescind-channel-offer", "error", err)
		} else {
			b.handleRescind(m.ChannelID)
		}
	default:
		discriminator, derr := b.responseDiscriminator(msgType, rest)
		if derr != nil {
			b.log.Warn("classifying vmbus reply", "type", msgType, "error", derr)
		} else if !b.correlator.complete(msgType, discriminator, rest) {
			util.TraceLog(b.log, "no outstanding request matched reply", "type", msgType, "discriminator", discriminator)
		}
	}

	b.clearSlot(cpu)
	b.ackMessage(cpu, pending)
}

// clearSlot zeroes the consumed slot's type field. Real SynIC hardware
// leaves slot refill to the host once it observes the EOM write; this core
// has no real host on the other end of its simulated message pages, so it
// clears the slot itself to avoid reprocessing the same message forever.
func (b *Bus) clearSlot(cpu int) {
	slot := b.messagePages[cpu].Bytes()
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&slot[0])), 0)
}

// ackMessage implements spec.md 4.A/Property 8: EOM is written on the
// originating CPU; if the slot's pending bit was set, a second EOM is
// explicitly dispatched to that CPU rather than assumed to already be
// running there.
func (b *Bus) ackMessage(cpu int, pending bool) {
	if err := b.services.CPU.DispatchTo(context.Background(), cpu, func() { hvcall.AckMessage() }); err != nil {
		b.log.Warn("acking synic message", "cpu", cpu, "error", err)
	}

	if pending {
		if err := b.services.CPU.DispatchTo(context.Background(), cpu, func() { hvcall.AckMessage() }); err != nil {
			b.log.Warn("acking pending synic message", "cpu", cpu, "error", err)
		}
	}
}

// responseDiscriminator extracts the §4.B correlator key's discriminator
// for every non-offer, non-rescind message type this core receives.
func (b *Bus) responseDiscriminator(t hvwire.MessageType, rest []byte) (uint32, error) {
	switch t {
	case hvwire.MessageTypeOpenChannelResponse:
		m, err := hvwire.DecodeOpenChannelResponseMsg(rest)
		return m.ChannelID, err
	case hvwire.MessageTypeCreateGpadlResponse:
		m, err := hvwire.DecodeCreateGpadlResponseMsg(rest)
		return m.ChannelID, err
	case hvwire.MessageTypeFreeGpadlResponse:
		m, err := hvwire.DecodeFreeGpadlResponseMsg(rest)
		return m.GpadlID, err
	case hvwire.MessageTypeConnectResponse, hvwire.MessageTypeRequestChannelsDone:
		return 0, nil
	default:
		return 0, fmt.Errorf("vmbus: no discriminator rule for message type %s", t)
	}
}

// handleChannelOffer implements spec.md 4.D's channel-offer handling and
// the canonical device attribute set from the Haiku bus manager's
// _RegisterChannel.
func (b *Bus) handleChannelOffer(msg hvwire.ChannelOfferMsg) {
	ch := &Channel{
		ID:           msg.ChannelID,
		TypeGUID:     msg.TypeGUID,
		InstanceGUID: msg.InstanceGUID,
		ConnectionID: hvwire.ConnectionIDEvents,
	}

	if b.version > hvwire.VersionWS2008R2 {
		ch.DedicatedInterrupt = msg.DedicatedInterrupt != 0
		ch.ConnectionID = msg.ConnectionID
	}

	if err := b.channels.insert(ch); err != nil {
		b.log.Warn("registering offered channel", "channel_id", ch.ID, "error", err)

		return
	}

	attrs := hvservices.ChannelAttributes{
		Bus:          "hyperv",
		PrettyName:   fmt.Sprintf("Hyper-V Channel %d", ch.ID),
		ChannelID:    ch.ID,
		TypeGUID:     ch.TypeGUID.String(),
		InstanceGUID: ch.InstanceGUID.String(),
	}

	node, err := b.services.Registrar.RegisterChannel(attrs)
	if err != nil {
		b.log.Warn("registering channel device node", "channel_id", ch.ID, "error", err)

		return
	}

	ch.mu.Lock()
	ch.node = node
	ch.mu.Unlock()
}

// handleRescind implements spec.md 4.D's rescind handling: clear the slot
// before anything else so no new callback dispatch can start, cancel every
// outstanding request on the channel, then quiesce and tear down.
func (b *Bus) handleRescind(channelID uint32) {
	ch := b.channels.peek(channelID)
	if ch == nil {
		return
	}

	b.channels.clear(channelID)
	b.correlator.cancelChannel(channelID)
	b.teardownChannel(ch, true)
}

func (b *Bus) teardownChannel(ch *Channel, sendFreeChannel bool) {
	b.channels.unregister(ch)

	ch.mu.Lock()
	node := ch.node

	gpadlIDs := make([]uint32, 0, 1+len(ch.extraGpadls))
	if ch.gpadl != nil {
		gpadlIDs = append(gpadlIDs, ch.gpadl.id)
	}

	for _, g := range ch.extraGpadls {
		gpadlIDs = append(gpadlIDs, g.id)
	}
	ch.mu.Unlock()

	// A FreeGPADL in flight for any gpadl this channel owns cannot get a
	// reply once the channel is gone (spec.md 4.B, Property 5); cancel each
	// by gpadl id rather than leave the caller blocked for the full request
	// timeout.
	for _, id := range gpadlIDs {
		b.correlator.cancelGpadl(id)
	}

	if node != nil {
		if err := b.services.Registrar.UnregisterChannel(node); err != nil {
			b.log.Warn("unregistering channel device node", "channel_id", ch.ID, "error", err)
		}
	}

	if sendFreeChannel {
		framed, err := frame(hvwire.MessageTypeFreeChannel, hvwire.FreeChannelMsg{ChannelID: ch.ID})
		if err == nil {
			if err := b.correlator.postFireAndForget(b.connectionID, framed); err != nil {
				b.log.Warn("sending free-channel", "channel_id", ch.ID, "error", err)
			}
		}
	}
}

// signalChannel implements spec.md 4.E's signal channel: dedicated-interrupt
// channels on post-2008R2 versions skip the shared TX event-flag bit.
func (b *Bus) signalChannel(ch *Channel) error {
	if ch.ID == 0 {
		return fmt.Errorf("%w: channel id 0 is invalid", ErrBadArgument)
	}

	dedicated := b.version > hvwire.VersionWS2008R2 && ch.DedicatedInterrupt
	if !dedicated {
		b.setTXEventFlagBit(ch.ID)
	}

	if status := b.caller.SignalEvent(ch.ConnectionID); status != hvcall.StatusSuccess {
		return fmt.Errorf("%w: signal-event returned %s", ErrIO, status)
	}

	return nil
}

func (b *Bus) setTXEventFlagBit(channelID uint32) {
	wordIdx := channelID / 32
	bit := channelID % 32
	ptr := (*uint32)(unsafe.Pointer(&b.busTXEventFlags.Bytes()[wordIdx*4]))

	for {
		old := atomic.LoadUint32(ptr)
		if atomic.CompareAndSwapUint32(ptr, old, old|(1<<bit)) {
			return
		}
	}
}
