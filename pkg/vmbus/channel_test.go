package vmbus

import (
	"errors"
	"sync"
	"testing"
)

func TestChannelTableInsertAndGet(t *testing.T) {
	t.Parallel()

	table := newChannelTable(16)

	ch := &Channel{ID: 3}
	if err := table.insert(ch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := table.getChannel(3)
	if err != nil {
		t.Fatalf("getChannel: %v", err)
	}
	got.mu.Unlock()

	if got != ch {
		t.Fatalf("getChannel returned a different channel")
	}

	if table.highest() != 3 {
		t.Fatalf("highest: want 3, got %d", table.highest())
	}
}

func TestChannelTableRejectsChannelZero(t *testing.T) {
	t.Parallel()

	table := newChannelTable(16)

	if err := table.insert(&Channel{ID: 0}); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("insert id 0: want ErrBadArgument, got %v", err)
	}
}

func TestChannelTableGetMissingChannel(t *testing.T) {
	t.Parallel()

	table := newChannelTable(16)

	if _, err := table.getChannel(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("getChannel missing: want ErrNotFound, got %v", err)
	}
}

func TestChannelTableClearThenPeekReturnsNil(t *testing.T) {
	t.Parallel()

	table := newChannelTable(16)

	ch := &Channel{ID: 5}
	if err := table.insert(ch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	table.clear(5)

	if got := table.peek(5); got != nil {
		t.Fatalf("peek after clear: want nil, got %v", got)
	}

	if _, err := table.getChannel(5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("getChannel after clear: want ErrNotFound, got %v", err)
	}
}

// TestChannelTableDispatchNeverRunsAfterClear exercises spec.md 5's
// destruction/callback ordering guarantee: once a slot is cleared and
// unregistered, no later dispatchCallback call for that id may invoke the
// channel's callback, even if dispatchCallback and unregister race.
func TestChannelTableDispatchNeverRunsAfterClear(t *testing.T) {
	t.Parallel()

	table := newChannelTable(16)

	var callbackRuns int
	var mu sync.Mutex

	ch := &Channel{ID: 9, callback: func() {
		mu.Lock()
		callbackRuns++
		mu.Unlock()
	}}

	if err := table.insert(ch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		for i := 0; i < 1000; i++ {
			table.dispatchCallback(9)
		}
	}()

	table.clear(9)
	table.unregister(ch)

	wg.Wait()

	// unregister returning guarantees every dispatchCallback call that
	// started before clear has finished; any call starting after clear
	// sees a nil slot. Either way nothing should run after this point.
	mu.Lock()
	before := callbackRuns
	mu.Unlock()

	table.dispatchCallback(9)

	mu.Lock()
	after := callbackRuns
	mu.Unlock()

	if after != before {
		t.Fatalf("dispatchCallback ran after unregister: before=%d after=%d", before, after)
	}
}
