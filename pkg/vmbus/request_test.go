package vmbus

import (
	"errors"
	"testing"

	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// newTestCorrelator builds a correlator with no hypercall backing: the
// tests here only exercise complete/cancelChannel/cancelGpadl, which never
// touch caller or allocator.
func newTestCorrelator() *correlator {
	return newCorrelator(nil, nil, nil)
}

func registerPending(c *correlator, key responseKey) *pendingRequest {
	pending := &pendingRequest{key: key, result: make(chan requestResult, 1)}

	c.mu.Lock()
	c.outstanding[key] = pending
	c.mu.Unlock()

	return pending
}

func TestCorrelatorCompleteDeliversMatchingReply(t *testing.T) {
	t.Parallel()

	c := newTestCorrelator()

	key := responseKey{Type: hvwire.MessageTypeOpenChannelResponse, Discriminator: 5}
	pending := registerPending(c, key)

	if ok := c.complete(hvwire.MessageTypeOpenChannelResponse, 5, []byte("reply")); !ok {
		t.Fatalf("complete: want matched, got unmatched")
	}

	res := <-pending.result
	if string(res.payload) != "reply" {
		t.Fatalf("payload: want %q, got %q", "reply", res.payload)
	}
}

func TestCorrelatorCompleteIgnoresUnmatchedReply(t *testing.T) {
	t.Parallel()

	c := newTestCorrelator()

	if ok := c.complete(hvwire.MessageTypeOpenChannelResponse, 99, []byte("reply")); ok {
		t.Fatalf("complete: want unmatched, got matched")
	}
}

// TestCorrelatorCancelChannelCancelsOpenAndCreateGpadl exercises
// cancelChannel's actual key list: both open-channel-response and
// create-gpadl-response are keyed by channel id (hvwire's
// CreateGpadlResponseMsg carries ChannelID, not GpadlID), so a channel
// rescind must cancel both by channelID. free-gpadl-response is untouched
// here — it carries no channel id at all, so it is cancelled separately,
// by gpadl id, via cancelGpadl.
func TestCorrelatorCancelChannelCancelsOpenAndCreateGpadl(t *testing.T) {
	t.Parallel()

	c := newTestCorrelator()

	const channelID = 7
	const gpadlID = 7 // deliberately equal to channelID: cancelGpadl must not be reachable through this key

	openPending := registerPending(c, responseKey{Type: hvwire.MessageTypeOpenChannelResponse, Discriminator: channelID})
	createPending := registerPending(c, responseKey{Type: hvwire.MessageTypeCreateGpadlResponse, Discriminator: channelID})
	freePending := registerPending(c, responseKey{Type: hvwire.MessageTypeFreeGpadlResponse, Discriminator: gpadlID})

	if n := c.cancelChannel(channelID); n != 2 {
		t.Fatalf("cancelChannel: want 2 cancelled, got %d", n)
	}

	for _, pending := range []*pendingRequest{openPending, createPending} {
		res := <-pending.result
		if !errors.Is(res.err, ErrCancelled) {
			t.Fatalf("cancelled result: want ErrCancelled, got %v", res.err)
		}
	}

	select {
	case <-freePending.result:
		t.Fatalf("free-gpadl-response waiter was cancelled by cancelChannel, but should only be cancelled by cancelGpadl")
	default:
	}

	if n := c.cancelGpadl(gpadlID); n != 1 {
		t.Fatalf("cancelGpadl: want 1 cancelled, got %d", n)
	}

	res := <-freePending.result
	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("free-gpadl-response result: want ErrCancelled, got %v", res.err)
	}
}

// TestCorrelatorCancelGpadlOnlyTouchesFreeGpadlResponse documents the
// other half of the split: cancelGpadl is keyed by gpadl id and must never
// reach a create-gpadl-response wait, even one whose channel id happens to
// equal the gpadl id — that wait is reachable only through cancelChannel or
// cancelCreateGpadl, both keyed by channel id.
func TestCorrelatorCancelGpadlOnlyTouchesFreeGpadlResponse(t *testing.T) {
	t.Parallel()

	c := newTestCorrelator()

	const id = 42

	createPending := registerPending(c, responseKey{Type: hvwire.MessageTypeCreateGpadlResponse, Discriminator: id})
	freePending := registerPending(c, responseKey{Type: hvwire.MessageTypeFreeGpadlResponse, Discriminator: id})

	if n := c.cancelGpadl(id); n != 1 {
		t.Fatalf("cancelGpadl: want 1 cancelled, got %d", n)
	}

	res := <-freePending.result
	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("free-gpadl-response result: want ErrCancelled, got %v", res.err)
	}

	select {
	case <-createPending.result:
		t.Fatalf("create-gpadl-response waiter was cancelled by cancelGpadl, but should only be cancelled by channel id")
	default:
	}
}

// TestCorrelatorCancelCreateGpadlByChannelID exercises the path
// gpadlManager.create uses when one of a fragmented create-gpadl's
// additional messages fails to send after the first message was posted.
func TestCorrelatorCancelCreateGpadlByChannelID(t *testing.T) {
	t.Parallel()

	c := newTestCorrelator()

	const channelID = 11

	pending := registerPending(c, responseKey{Type: hvwire.MessageTypeCreateGpadlResponse, Discriminator: channelID})

	if n := c.cancelCreateGpadl(channelID); n != 1 {
		t.Fatalf("cancelCreateGpadl: want 1 cancelled, got %d", n)
	}

	res := <-pending.result
	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("create-gpadl-response result: want ErrCancelled, got %v", res.err)
	}
}
