package vmbus

import (
	"context"
	"fmt"

	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// Device is the per-channel interface a device personality uses once its
// channel is open: it reads and writes ring packets and knows nothing about
// the bus's own bring-up or channel lifecycle.
type Device interface {
	GetBusVersion() hvwire.ProtocolVersion
	WritePacket(packetType uint32, payload []byte, responseRequired bool, transactionID uint64) error
	ReadPacket(buf []byte) (hvwire.PacketHeader, int, error)
	Close(ctx context.Context) error
}

type channelDevice struct {
	bus *Bus
	ch  *Channel
}

func (d *channelDevice) GetBusVersion() hvwire.ProtocolVersion { return d.bus.GetVersion() }

func (d *channelDevice) WritePacket(packetType uint32, payload []byte, responseRequired bool, transactionID uint64) error {
	d.ch.mu.Lock()
	ring := d.ch.ring
	d.ch.mu.Unlock()

	if ring == nil {
		return fmt.Errorf("%w: channel %d is not open", ErrNotReady, d.ch.ID)
	}

	return ring.tx.writePacket(packetType, payload, responseRequired, transactionID, func() {
		if err := d.bus.signalChannel(d.ch); err != nil {
			d.bus.log.Warn("signaling channel", "channel_id", d.ch.ID, "error", err)
		}
	})
}

func (d *channelDevice) ReadPacket(buf []byte) (hvwire.PacketHeader, int, error) {
	d.ch.mu.Lock()
	ring := d.ch.ring
	d.ch.mu.Unlock()

	if ring == nil {
		return hvwire.PacketHeader{}, 0, fmt.Errorf("%w: channel %d is not open", ErrNotReady, d.ch.ID)
	}

	return ring.rx.readPacket(buf)
}

func (d *channelDevice) Close(ctx context.Context) error {
	return d.bus.CloseChannel(ctx, d.ch.ID)
}

// OpenChannel implements spec.md 4.E's open channel: it allocates a fresh
// GPADL for the ring pair, installs callback under the channel's mutex
// before posting open-channel (some device personalities start transmitting
// before the response is parsed), and requires result == 0 and
// open_id == channel_id for success.
func (b *Bus) OpenChannel(ctx context.Context, channelID uint32, ringSize int, callback func()) (Device, error) {
	ch, err := b.channels.getChannel(channelID)
	if err != nil {
		return nil, err
	}
	defer ch.mu.Unlock()

	if ch.ring != nil {
		return nil, fmt.Errorf("%w: channel %d is already open", ErrBadArgument, channelID)
	}

	ringLen := hvwire.RingHeaderSize + ringSize
	total := 2 * ringLen

	state, err := b.gpadls.create(ctx, ch.ID, b.connectionID, total)
	if err != nil {
		return nil, fmt.Errorf("allocating ring-pair gpadl: %w", err)
	}

	txRing, err := newRing(state.buffer.Bytes()[:ringLen])
	if err != nil {
		_ = b.gpadls.free(ctx, ch.ID, b.connectionID, state)

		return nil, err
	}

	rxRing, err := newRing(state.buffer.Bytes()[ringLen:])
	if err != nil {
		_ = b.gpadls.free(ctx, ch.ID, b.connectionID, state)

		return nil, err
	}

	ch.gpadl = state
	ch.ring = &ringPair{tx: txRing, rx: rxRing}
	ch.callback = callback

	msg := hvwire.OpenChannelMsg{
		ChannelID:        ch.ID,
		OpenID:           ch.ID,
		GpadlID:          state.id,
		TargetCPU:        0,
		RingBufferOffset: uint32(ringLen / 4096),
	}

	framed, err := frame(hvwire.MessageTypeOpenChannel, msg)
	if err != nil {
		b.rollbackOpen(ctx, ch)

		return nil, err
	}

	payload, err := b.correlator.send(ctx, b.connectionID, framed, hvwire.MessageTypeOpenChannelResponse, ch.ID)
	if err != nil {
		b.rollbackOpen(ctx, ch)

		return nil, fmt.Errorf("opening channel %d: %w", channelID, err)
	}

	resp, err := hvwire.DecodeOpenChannelResponseMsg(payload)
	if err != nil {
		b.rollbackOpen(ctx, ch)

		return nil, fmt.Errorf("decoding open-channel-response: %w", err)
	}

	if resp.Result != 0 || resp.OpenID != ch.ID {
		b.rollbackOpen(ctx, ch)

		return nil, fmt.Errorf("%w: host refused open-channel, result=%d open_id=%d", ErrIO, resp.Result, resp.OpenID)
	}

	return &channelDevice{bus: b, ch: ch}, nil
}

func (b *Bus) rollbackOpen(ctx context.Context, ch *Channel) {
	ch.callback = nil
	ch.ring = nil

	if ch.gpadl != nil {
		if err := b.gpadls.free(ctx, ch.ID, b.connectionID, ch.gpadl); err != nil {
			b.log.Warn("freeing ring-pair gpadl after failed open", "channel_id", ch.ID, "error", err)
		}

		ch.gpadl = nil
	}
}

// CloseChannel implements spec.md 4.E's close channel: posts close-channel
// (fire-and-forget; the wire catalogue has no close-channel-response) and
// clears the callback slot and ring-pair GPADL.
func (b *Bus) CloseChannel(ctx context.Context, channelID uint32) error {
	ch, err := b.channels.getChannel(channelID)
	if err != nil {
		return err
	}
	defer ch.mu.Unlock()

	if ch.ring == nil {
		return fmt.Errorf("%w: channel %d is not open", ErrBadArgument, channelID)
	}

	framed, err := frame(hvwire.MessageTypeCloseChannel, hvwire.CloseChannelMsg{ChannelID: ch.ID})
	if err != nil {
		return err
	}

	if err := b.correlator.postFireAndForget(b.connectionID, framed); err != nil {
		return fmt.Errorf("closing channel %d: %w", channelID, err)
	}

	ch.callback = nil
	ch.ring = nil

	if ch.gpadl != nil {
		if err := b.gpadls.free(ctx, ch.ID, b.connectionID, ch.gpadl); err != nil {
			return fmt.Errorf("freeing ring-pair gpadl: %w", err)
		}

		ch.gpadl = nil
	}

	return nil
}

// AllocateGPADL lets a device personality describe additional page ranges
// to the host beyond its channel's ring pair.
func (b *Bus) AllocateGPADL(ctx context.Context, channelID uint32, length int) (uint32, error) {
	ch, err := b.channels.getChannel(channelID)
	if err != nil {
		return 0, err
	}
	defer ch.mu.Unlock()

	state, err := b.gpadls.create(ctx, ch.ID, b.connectionID, length)
	if err != nil {
		return 0, err
	}

	ch.extraGpadls = append(ch.extraGpadls, state)

	return state.id, nil
}

// FreeGPADL tears down a GPADL previously returned by AllocateGPADL. It
// fails with ErrBadArgument if gpadlID is not owned by channelID (the
// Haiku bus manager's foundGPADL ownership scan).
func (b *Bus) FreeGPADL(ctx context.Context, channelID, gpadlID uint32) error {
	ch, err := b.channels.getChannel(channelID)
	if err != nil {
		return err
	}
	defer ch.mu.Unlock()

	idx := -1

	for i, g := range ch.extraGpadls {
		if g.id == gpadlID {
			idx = i

			break
		}
	}

	if idx < 0 {
		return fmt.Errorf("%w: gpadl %d is not owned by channel %d", ErrBadArgument, gpadlID, channelID)
	}

	state := ch.extraGpadls[idx]
	if err := b.gpadls.free(ctx, ch.ID, b.connectionID, state); err != nil {
		return err
	}

	ch.extraGpadls = append(ch.extraGpadls[:idx], ch.extraGpadls[idx+1:]...)

	return nil
}

// SignalChannel issues the signal-event hypercall for channelID without
// writing a data packet, e.g. to wake a host consumer after several
// WritePacket calls with interrupts suppressed.
func (b *Bus) SignalChannel(channelID uint32) error {
	ch, err := b.channels.getChannel(channelID)
	if err != nil {
		return err
	}
	defer ch.mu.Unlock()

	return b.signalChannel(ch)
}
