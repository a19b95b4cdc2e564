package vmbus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperv-go/vmbus/internal/hvservices"
)

// Channel is a logical endpoint on the bus: a type/instance GUID pair, an
// optional dedicated interrupt, and — once opened — a ring-buffer pair.
// Fields below the mutex are only ever touched while holding it, callback
// and callbackData included: the channel table's spinlock does not cover
// them, so a callback dispatch for this channel waits while an open or
// close holds the mutex.
type Channel struct {
	ID                 uint32
	TypeGUID           uuid.UUID
	InstanceGUID       uuid.UUID
	DedicatedInterrupt bool
	ConnectionID       uint32

	mu sync.Mutex

	node  hvservices.NodeHandle
	ring  *ringPair
	gpadl *gpadlState
	// extraGpadls are GPADLs this channel owns beyond its ring pair,
	// allocated directly through the bus interface by the device
	// personality above it. FreeGPADL validates ownership against this
	// list before tearing one down (the Haiku bus manager's foundGPADL
	// scan in VMBus::FreeGPADL).
	extraGpadls []*gpadlState

	callback     func()
	callbackData any
}

// gpadlState tracks one single-range GPADL and its backing buffer: either a
// channel's ring-pair GPADL or one of its extraGpadls.
type gpadlState struct {
	id     uint32
	buffer hvservices.PhysicalBuffer
}

// channelTable is the dense, id-indexed array of channel pointers (spec.md
// 4.C). spinlock guards slot writes and highestID; rw serialises
// destruction against in-flight callback dispatch.
type channelTable struct {
	spinlock  sync.Mutex
	rw        sync.RWMutex
	slots     []*Channel
	highestID uint32
}

func newChannelTable(size int) *channelTable {
	return &channelTable{slots: make([]*Channel, size)}
}

// insert stores ch at its own id under the spinlock and advances highestID.
// Channel id 0 is rejected; it is reserved for the bus itself (spec.md 3).
func (t *channelTable) insert(ch *Channel) error {
	if ch.ID == 0 || int(ch.ID) >= len(t.slots) {
		return fmt.Errorf("%w: channel id %d out of range [1, %d)", ErrBadArgument, ch.ID, len(t.slots))
	}

	t.spinlock.Lock()
	defer t.spinlock.Unlock()

	t.slots[ch.ID] = ch
	if ch.ID > t.highestID {
		t.highestID = ch.ID
	}

	return nil
}

// clear removes ch's slot, invoked by the rescind handler before the
// channel is enqueued for teardown (spec.md 4.D): no new callback
// invocation can begin for this id after this store.
func (t *channelTable) clear(id uint32) {
	t.spinlock.Lock()
	defer t.spinlock.Unlock()

	if int(id) < len(t.slots) {
		t.slots[id] = nil
	}
}

// highest returns the highest channel id ever inserted, used to bound the
// legacy event-flags scan (spec.md 4.D).
func (t *channelTable) highest() uint32 {
	t.spinlock.Lock()
	defer t.spinlock.Unlock()

	return t.highestID
}

// dispatchCallback invokes id's callback, if any, under the table's reader
// lock — the read side of the destruction/callback ordering guarantee
// (spec.md 5 (i)): a callback for channel c never runs after that
// channel's slot has been cleared.
func (t *channelTable) dispatchCallback(id uint32) {
	t.rw.RLock()
	defer t.rw.RUnlock()

	t.spinlock.Lock()
	var ch *Channel
	if int(id) < len(t.slots) {
		ch = t.slots[id]
	}
	t.spinlock.Unlock()

	if ch == nil {
		return
	}

	ch.mu.Lock()
	cb := ch.callback
	ch.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// peek returns id's slot without taking the channel's own mutex; it is
// used by the rescind handler, which needs the pointer to drive teardown
// but must not block on whatever the channel is doing right now.
func (t *channelTable) peek(id uint32) *Channel {
	if int(id) >= len(t.slots) {
		return nil
	}

	t.spinlock.Lock()
	defer t.spinlock.Unlock()

	return t.slots[id]
}

// getChannel validates id, snapshots the slot, and returns it with its
// mutex held (spec.md 4.C get_channel). Callers must call ch.mu.Unlock()
// when done. Holding the channel's mutex is what keeps it from being
// rescinded out from under the caller: unregister also takes this
// mutex before it destroys the channel, so it blocks until the caller
// releases it.
func (t *channelTable) getChannel(id uint32) (*Channel, error) {
	if id == 0 || int(id) >= len(t.slots) {
		return nil, fmt.Errorf("%w: channel id %d out of range", ErrBadArgument, id)
	}

	t.rw.RLock()

	t.spinlock.Lock()
	ch := t.slots[id]
	t.spinlock.Unlock()

	if ch == nil {
		t.rw.RUnlock()

		return nil, fmt.Errorf("%w: channel %d", ErrNotFound, id)
	}

	ch.mu.Lock()
	t.rw.RUnlock()

	return ch, nil
}

// unregister takes the writer lock to quiesce every in-flight
// dispatchCallback/getChannel call, then waits for the channel's own mutex
// before handing it back for teardown. The slot must already have been
// cleared by the rescind handler before this is called.
func (t *channelTable) unregister(ch *Channel) {
	t.rw.Lock()
	ch.mu.Lock()
	ch.mu.Unlock()
	t.rw.Unlock()
}
