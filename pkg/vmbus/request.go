package vmbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperv-go/vmbus/internal/hvservices"
	"github.com/hyperv-go/vmbus/internal/util"
	"github.com/hyperv-go/vmbus/pkg/hvcall"
	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// responseKey is how an inbound reply is matched to the request that is
// waiting for it (spec.md 4.B). Discriminator is a channel id for
// open-channel-response and create-gpadl-response, a GPADL id for
// free-gpadl-response (which carries no channel id at all), and 0 for the
// two singleton response types, connect-response and request-channels-done.
type responseKey struct {
	Type          hvwire.MessageType
	Discriminator uint32
}

type pendingRequest struct {
	key    responseKey
	result chan requestResult
}

type requestResult struct {
	payload []byte
	err     error
}

// poster is the subset of *hvcall.Caller the correlator needs. It exists so
// tests can drive postWithRetry's retry/backoff and the
// postPending/awaitPending/complete rendezvous without a real hypercall code
// page, which only does anything on an actual Hyper-V guest.
type poster interface {
	PostMessage(inputPage []byte, inputPagePFN uint64, connectionID uint32, payload []byte) (hvcall.Status, error)
}

// correlator turns a linear outbound hypercall sequence into a rendezvous:
// it posts a management message, optionally blocks the caller, and is fed
// inbound replies by the connection's deferred message worker (component
// D), which calls complete/cancelChannel as messages and rescinds arrive.
type correlator struct {
	log       *slog.Logger
	caller    poster
	allocator hvservices.Allocator

	mu          sync.Mutex
	outstanding map[responseKey]*pendingRequest
}

func newCorrelator(log *slog.Logger, caller poster, allocator hvservices.Allocator) *correlator {
	return &correlator{
		log:         log,
		caller:      caller,
		allocator:   allocator,
		outstanding: make(map[responseKey]*pendingRequest),
	}
}

// send posts payload (already framed with its message-type header) over
// connectionID. If expectType is hvwire.MessageTypeInvalid the call is
// fire-and-forget and send returns as soon as the hypercall succeeds.
// Otherwise it registers a waiter under (expectType, discriminator) before
// posting, and blocks up to the bounded request timeout for a matching
// reply.
func (c *correlator) send(ctx context.Context, connectionID uint32, payload []byte, expectType hvwire.MessageType, discriminator uint32) ([]byte, error) {
	var pending *pendingRequest

	key := responseKey{Type: expectType, Discriminator: discriminator}

	if expectType != hvwire.MessageTypeInvalid {
		pending = &pendingRequest{key: key, result: make(chan requestResult, 1)}

		c.mu.Lock()
		c.outstanding[key] = pending
		c.mu.Unlock()
	}

	status, err := c.postWithRetry(connectionID, payload)
	if err != nil {
		if pending != nil {
			c.mu.Lock()
			delete(c.outstanding, key)
			c.mu.Unlock()
		}

		return nil, fmt.Errorf("vmbus: posting message: %w", err)
	}

	util.TraceLog(c.log, "posted management message", "connection_id", connectionID, "status", status, "expect", expectType)

	if pending == nil {
		return nil, nil
	}

	timer := time.NewTimer(hvwire.RequestTimeoutSeconds * time.Second)
	defer timer.Stop()

	select {
	case res := <-pending.result:
		return res.payload, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.outstanding, key)
		c.mu.Unlock()

		return nil, ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.outstanding, key)
		c.mu.Unlock()

		return nil, ctx.Err()
	}
}

// postWithRetry performs the hypercall, retrying up to
// hvwire.HypercallMaxRetryCount times with a 20us backoff on the two
// retryable statuses (spec.md 4.A).
func (c *correlator) postWithRetry(connectionID uint32, payload []byte) (hvcall.Status, error) {
	inputBuf, err := c.allocator.Allocate(1)
	if err != nil {
		return 0, fmt.Errorf("allocating post-message input page: %w", err)
	}
	defer inputBuf.Free()

	var status hvcall.Status

	for attempt := 0; attempt < hvwire.HypercallMaxRetryCount; attempt++ {
		status, err = c.caller.PostMessage(inputBuf.Bytes(), inputBuf.PFN(), connectionID, payload)
		if err != nil {
			return status, err
		}

		if status == hvcall.StatusSuccess {
			return status, nil
		}

		if !status.Retryable() {
			return status, fmt.Errorf("%w: hypercall returned %s", ErrIO, status)
		}

		time.Sleep(20 * time.Microsecond)
	}

	return status, fmt.Errorf("%w: hypercall still %s after %d attempts", ErrIO, status, hvwire.HypercallMaxRetryCount)
}

// postPending registers a waiter under key and posts payload, but does not
// block for the reply; it is used by GPADL creation, which must send one or
// more fire-and-forget additional messages after the first before it is
// safe to wait. Pair with awaitPending.
func (c *correlator) postPending(connectionID uint32, payload []byte, key responseKey) (*pendingRequest, error) {
	pending := &pendingRequest{key: key, result: make(chan requestResult, 1)}

	c.mu.Lock()
	c.outstanding[key] = pending
	c.mu.Unlock()

	if _, err := c.postWithRetry(connectionID, payload); err != nil {
		c.mu.Lock()
		delete(c.outstanding, key)
		c.mu.Unlock()

		return nil, fmt.Errorf("vmbus: posting message: %w", err)
	}

	return pending, nil
}

// awaitPending blocks for the reply to a request registered with
// postPending, up to the bounded request timeout or until ctx is done; it
// posts nothing itself.
func (c *correlator) awaitPending(ctx context.Context, pending *pendingRequest) ([]byte, error) {
	timer := time.NewTimer(hvwire.RequestTimeoutSeconds * time.Second)
	defer timer.Stop()

	select {
	case res := <-pending.result:
		return res.payload, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.outstanding, pending.key)
		c.mu.Unlock()

		return nil, ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.outstanding, pending.key)
		c.mu.Unlock()

		return nil, ctx.Err()
	}
}

// postFireAndForget posts payload with no waiter registered.
func (c *correlator) postFireAndForget(connectionID uint32, payload []byte) error {
	if _, err := c.postWithRetry(connectionID, payload); err != nil {
		return fmt.Errorf("vmbus: posting message: %w", err)
	}

	return nil
}

// complete matches an inbound message against the outstanding list and
// delivers it. It returns false if no request matched, which the deferred
// message worker logs and drops (spec.md 4.D, Property 4).
func (c *correlator) complete(t hvwire.MessageType, discriminator uint32, payload []byte) bool {
	key := responseKey{Type: t, Discriminator: discriminator}

	c.mu.Lock()
	pending, ok := c.outstanding[key]
	if ok {
		delete(c.outstanding, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	pending.result <- requestResult{payload: payload}

	return true
}

// cancelChannel removes and notifies-cancelled every outstanding request
// whose discriminator is channelID and whose type is one of the
// channel-discriminated response types. It is called by the deferred
// worker before a rescinded channel's table slot is reused (spec.md 4.B,
// Property 5). create-gpadl-response belongs here, not under cancelGpadl:
// its reply carries ChannelID, not GpadlID (hvwire.CreateGpadlResponseMsg),
// so that is the key gpadlManager.create registers its wait under too.
// free-gpadl-response carries no channel id at all, so an in-flight
// FreeGPADL on a channel being rescinded is not covered here; the caller
// must also cancel it by gpadl id via cancelGpadl for every gpadl the
// channel owns.
func (c *correlator) cancelChannel(channelID uint32) int {
	channelKeyed := []hvwire.MessageType{hvwire.MessageTypeOpenChannelResponse, hvwire.MessageTypeCreateGpadlResponse}

	return c.cancelKeys(channelKeyed, channelID)
}

// cancelCreateGpadl cancels an outstanding create-gpadl-response wait by
// channel id, used when one of a fragmented create-gpadl's additional
// messages fails to send and the first message's wait must be abandoned.
func (c *correlator) cancelCreateGpadl(channelID uint32) int {
	return c.cancelKeys([]hvwire.MessageType{hvwire.MessageTypeCreateGpadlResponse}, channelID)
}

// cancelGpadl cancels an outstanding free-gpadl request by gpadl id. The
// connection calls this once per gpadl a channel owns when that channel is
// rescinded while a FreeGPADL on it is in flight.
func (c *correlator) cancelGpadl(gpadlID uint32) int {
	return c.cancelKeys([]hvwire.MessageType{hvwire.MessageTypeFreeGpadlResponse}, gpadlID)
}

func (c *correlator) cancelKeys(types []hvwire.MessageType, discriminator uint32) int {
	var cancelled []*pendingRequest

	c.mu.Lock()
	for _, t := range types {
		key := responseKey{Type: t, Discriminator: discriminator}

		if pending, ok := c.outstanding[key]; ok {
			delete(c.outstanding, key)
			cancelled = append(cancelled, pending)
		}
	}
	c.mu.Unlock()

	for _, pending := range cancelled {
		pending.result <- requestResult{err: ErrCancelled}
	}

	return len(cancelled)
}
