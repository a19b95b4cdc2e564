package vmbus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hyperv-go/vmbus/internal/hvservices"
	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// gpadlManager owns GPADL id allocation and the create/free exchanges with
// the host (spec.md 4.E). A bus has exactly one; every channel's GPADL goes
// through it so ids stay unique bus-wide, matching host expectations.
type gpadlManager struct {
	correlator *correlator
	allocator  hvservices.Allocator
	next       atomic.Uint32
}

func newGpadlManager(c *correlator, allocator hvservices.Allocator) *gpadlManager {
	return &gpadlManager{correlator: c, allocator: allocator}
}

// allocateID hands out the next GPADL handle, skipping hvwire.GpadlNull.
func (g *gpadlManager) allocateID() uint32 {
	for {
		id := g.next.Add(1)
		if id != hvwire.GpadlNull {
			return id
		}
	}
}

// create implements spec.md 4.E's GPADL create: it backs the request with
// physical pages, describes them to the host as a first create-gpadl
// message plus as many create-gpadl-additional messages as the page count
// requires, and waits only for the reply to the first. length must be a
// positive multiple of the page size.
func (g *gpadlManager) create(ctx context.Context, channelID, connectionID uint32, length int) (*gpadlState, error) {
	const pageSize = 4096

	if length <= 0 || length%pageSize != 0 {
		return nil, fmt.Errorf("%w: gpadl length %d is not a positive multiple of %d", ErrBadArgument, length, pageSize)
	}

	pages := length / pageSize
	if pages+1 > hvwire.GpadlMaxPages {
		return nil, fmt.Errorf("%w: gpadl of %d pages exceeds the %d-page limit", ErrBadArgument, pages, hvwire.GpadlMaxPages)
	}

	buf, err := g.allocator.Allocate(pages)
	if err != nil {
		return nil, fmt.Errorf("allocating gpadl backing store: %w", err)
	}

	gpadlID := g.allocateID()

	pfns := make([]uint64, pages)
	base := buf.PFN()

	for i := range pfns {
		pfns[i] = base + uint64(i)
	}

	first, additional := splitGpadlPages(pfns)

	createMsg := hvwire.CreateGpadlMsg{
		ChannelID:   channelID,
		GpadlID:     gpadlID,
		ByteCount:   uint32(length),
		ByteOffset:  0,
		PageNumbers: first,
	}

	framed, err := frame(hvwire.MessageTypeCreateGpadl, createMsg)
	if err != nil {
		buf.Free()

		return nil, err
	}

	// create-gpadl-response carries ChannelID, not GpadlID (hvwire's
	// CreateGpadlResponseMsg), and connection.go's responseDiscriminator
	// extracts it that way too, so the wait must be keyed the same way or
	// the real reply never matches it.
	key := responseKey{Type: hvwire.MessageTypeCreateGpadlResponse, Discriminator: channelID}

	pending, err := g.correlator.postPending(connectionID, framed, key)
	if err != nil {
		buf.Free()

		return nil, fmt.Errorf("sending create-gpadl: %w", err)
	}

	for _, pageSet := range additional {
		addMsg := hvwire.CreateGpadlAdditionalMsg{GpadlID: gpadlID, PageNumbers: pageSet}

		addFramed, ferr := frame(hvwire.MessageTypeCreateGpadlAdditional, addMsg)
		if ferr != nil {
			g.correlator.cancelCreateGpadl(channelID)
			buf.Free()

			return nil, ferr
		}

		if err := g.correlator.postFireAndForget(connectionID, addFramed); err != nil {
			g.correlator.cancelCreateGpadl(channelID)
			buf.Free()

			return nil, fmt.Errorf("sending create-gpadl-additional: %w", err)
		}
	}

	payload, err := g.correlator.awaitPending(ctx, pending)
	if err != nil {
		buf.Free()

		return nil, err
	}

	resp, err := hvwire.DecodeCreateGpadlResponseMsg(payload)
	if err != nil {
		buf.Free()

		return nil, fmt.Errorf("decoding create-gpadl-response: %w", err)
	}

	if resp.Result != 0 {
		buf.Free()

		return nil, fmt.Errorf("%w: host refused create-gpadl, result=%d", ErrIO, resp.Result)
	}

	return &gpadlState{id: gpadlID, buffer: buf}, nil
}

// splitGpadlPages divides pfns into the page list that fits in the first
// create-gpadl message and zero or more additional-message-sized chunks
// for the rest (spec.md 4.E, Property 7).
func splitGpadlPages(pfns []uint64) (first []uint64, additional [][]uint64) {
	if len(pfns) <= hvwire.CreateGpadlMaxPages {
		return pfns, nil
	}

	first = pfns[:hvwire.CreateGpadlMaxPages]
	rest := pfns[hvwire.CreateGpadlMaxPages:]

	for len(rest) > 0 {
		n := hvwire.CreateGpadlAdditionalMaxPages
		if n > len(rest) {
			n = len(rest)
		}

		additional = append(additional, rest[:n])
		rest = rest[n:]
	}

	return first, additional
}

// free implements spec.md 4.E's GPADL free: the response carries only a
// GPADL id, no channel id, so the correlator matches it that way too.
func (g *gpadlManager) free(ctx context.Context, channelID, connectionID uint32, state *gpadlState) error {
	msg := hvwire.FreeGpadlMsg{ChannelID: channelID, GpadlID: state.id}

	framed, err := frame(hvwire.MessageTypeFreeGpadl, msg)
	if err != nil {
		return err
	}

	payload, err := g.correlator.send(ctx, connectionID, framed, hvwire.MessageTypeFreeGpadlResponse, state.id)
	if err != nil {
		return fmt.Errorf("sending free-gpadl: %w", err)
	}

	resp, err := hvwire.DecodeFreeGpadlResponseMsg(payload)
	if err != nil {
		return fmt.Errorf("decoding free-gpadl-response: %w", err)
	}

	if resp.GpadlID != state.id {
		return fmt.Errorf("%w: free-gpadl-response for gpadl %d, expected %d", ErrIO, resp.GpadlID, state.id)
	}

	state.buffer.Free()

	return nil
}

// frame prepends a message-type header to an encoder's payload.
func frame(t hvwire.MessageType, m interface{ Encode() ([]byte, error) }) ([]byte, error) {
	body, err := m.Encode()
	if err != nil {
		return nil, err
	}

	return append(hvwire.EncodeHeader(t), body...), nil
}
