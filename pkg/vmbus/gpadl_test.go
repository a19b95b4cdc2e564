package vmbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperv-go/vmbus/internal/hvservices"
	"github.com/hyperv-go/vmbus/pkg/hvcall"
	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// fakePoster stands in for *hvcall.Caller in tests: it records every posted
// message instead of issuing a real hypercall, which only does anything on
// an actual Hyper-V guest.
type fakePoster struct {
	mu     sync.Mutex
	posted [][]byte
}

func (f *fakePoster) PostMessage(inputPage []byte, inputPagePFN uint64, connectionID uint32, payload []byte) (hvcall.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.posted = append(f.posted, append([]byte(nil), payload...))

	return hvcall.StatusSuccess, nil
}

func (f *fakePoster) first() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.posted) == 0 {
		return nil, false
	}

	return f.posted[0], true
}

// fakeBuffer is a non-mmap hvservices.PhysicalBuffer for tests that never
// touch real guest-physical memory.
type fakeBuffer struct {
	data []byte
	pfn  uint64
}

func (b *fakeBuffer) Bytes() []byte { return b.data }
func (b *fakeBuffer) PFN() uint64   { return b.pfn }
func (b *fakeBuffer) Free()         {}

type fakeAllocator struct{}

func (fakeAllocator) Allocate(pages int) (hvservices.PhysicalBuffer, error) {
	return &fakeBuffer{data: make([]byte, pages*4096), pfn: 0x1000}, nil
}

func TestSplitGpadlPagesFitsInFirstMessage(t *testing.T) {
	t.Parallel()

	pfns := make([]uint64, hvwire.CreateGpadlMaxPages-1)
	for i := range pfns {
		pfns[i] = uint64(i)
	}

	first, additional := splitGpadlPages(pfns)

	if len(first) != len(pfns) {
		t.Fatalf("first: want %d pages, got %d", len(pfns), len(first))
	}

	if additional != nil {
		t.Fatalf("additional: want none, got %d chunks", len(additional))
	}
}

func TestSplitGpadlPagesOverflow(t *testing.T) {
	t.Parallel()

	total := hvwire.CreateGpadlMaxPages + 2*hvwire.CreateGpadlAdditionalMaxPages + 5
	pfns := make([]uint64, total)

	for i := range pfns {
		pfns[i] = 0x1000 + uint64(i)
	}

	first, additional := splitGpadlPages(pfns)

	if len(first) != hvwire.CreateGpadlMaxPages {
		t.Fatalf("first: want %d pages, got %d", hvwire.CreateGpadlMaxPages, len(first))
	}

	if len(additional) != 3 {
		t.Fatalf("additional chunk count: want 3, got %d", len(additional))
	}

	var reassembled []uint64
	reassembled = append(reassembled, first...)

	for _, chunk := range additional {
		if len(chunk) > hvwire.CreateGpadlAdditionalMaxPages {
			t.Fatalf("chunk of %d pages exceeds the %d-page additional-message limit", len(chunk), hvwire.CreateGpadlAdditionalMaxPages)
		}

		reassembled = append(reassembled, chunk...)
	}

	if len(reassembled) != total {
		t.Fatalf("reassembled page count: want %d, got %d", total, len(reassembled))
	}

	for i, pfn := range reassembled {
		if pfn != pfns[i] {
			t.Fatalf("page %d: want %#x, got %#x", i, pfns[i], pfn)
		}
	}
}

func TestAllocateIDSkipsGpadlNull(t *testing.T) {
	t.Parallel()

	g := &gpadlManager{}

	for i := 0; i < 1000; i++ {
		if id := g.allocateID(); id == hvwire.GpadlNull {
			t.Fatalf("allocateID returned the reserved null id")
		}
	}
}

// TestGpadlManagerCreateCompletesThroughCorrelator exercises create's real
// send/receive round trip the way connection.go actually drives it: the
// reply is delivered via correlator.complete(hvwire.MessageTypeCreateGpadlResponse,
// channelID, ...), keyed by channel id because CreateGpadlResponseMsg carries
// ChannelID, not GpadlID. A mismatched key here would leave create blocked
// until the request timeout, exactly the bug this test guards against.
func TestGpadlManagerCreateCompletesThroughCorrelator(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	corr := newCorrelator(nil, poster, fakeAllocator{})
	g := newGpadlManager(corr, fakeAllocator{})

	const channelID = 3
	const connectionID = 9

	type createResult struct {
		state *gpadlState
		err   error
	}

	done := make(chan createResult, 1)

	go func() {
		state, err := g.create(context.Background(), channelID, connectionID, 4096)
		done <- createResult{state: state, err: err}
	}()

	// Wait for create to have posted its first message before completing
	// it, mirroring the real ordering: the host cannot reply before the
	// request reaches it. postPending registers the wait before posting, so
	// by the time a message shows up here the wait is already registered.
	deadline := time.After(2 * time.Second)

	var first []byte

	for {
		if b, ok := poster.first(); ok {
			first = b

			break
		}

		select {
		case <-deadline:
			t.Fatalf("create never posted its create-gpadl message")
		case <-time.After(time.Millisecond):
		}
	}

	msgType, _, err := hvwire.DecodeHeader(first)
	if err != nil {
		t.Fatalf("decoding posted create-gpadl header: %v", err)
	}

	if msgType != hvwire.MessageTypeCreateGpadl {
		t.Fatalf("first posted message: want create-gpadl, got %v", msgType)
	}

	const wantGpadlID = 1

	resp := hvwire.CreateGpadlResponseMsg{ChannelID: channelID, GpadlID: wantGpadlID, Result: 0}

	payload, err := resp.Encode()
	if err != nil {
		t.Fatalf("encoding create-gpadl-response: %v", err)
	}

	if ok := corr.complete(hvwire.MessageTypeCreateGpadlResponse, channelID, payload); !ok {
		t.Fatalf("complete: create's wait was not matched by channel id %d", channelID)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("create: %v", res.err)
		}

		if res.state == nil {
			t.Fatalf("create: want a gpadlState, got nil")
		} else if res.state.id != wantGpadlID {
			t.Fatalf("create: want gpadl id %d, got %d", wantGpadlID, res.state.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("create did not return after its wait was completed")
	}
}
