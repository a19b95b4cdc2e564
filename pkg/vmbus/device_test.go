package vmbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hyperv-go/vmbus/internal/hvservices"
)

// TestFreeGPADLRejectsUnownedGpadl exercises the Haiku-style ownership scan
// in FreeGPADL: a gpadl id the channel never allocated is rejected before
// any message is sent to the host.
func TestFreeGPADLRejectsUnownedGpadl(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	services := &hvservices.Services{Registrar: hvservices.NewLogRegistrar(log)}

	b := NewBus(log, services)
	b.channels = newChannelTable(8)

	ch := &Channel{ID: 2, extraGpadls: []*gpadlState{{id: 99}}}
	if err := b.channels.insert(ch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := b.FreeGPADL(context.Background(), 2, 100); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("FreeGPADL for unowned gpadl: want ErrBadArgument, got %v", err)
	}
}

func TestOpenChannelRejectsAlreadyOpenChannel(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	services := &hvservices.Services{Registrar: hvservices.NewLogRegistrar(log)}

	b := NewBus(log, services)
	b.channels = newChannelTable(8)

	ch := &Channel{ID: 3, ring: &ringPair{}}
	if err := b.channels.insert(ch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := b.OpenChannel(context.Background(), 3, 4096, nil); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("OpenChannel on already-open channel: want ErrBadArgument, got %v", err)
	}
}

func TestCloseChannelRejectsNotOpenChannel(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	services := &hvservices.Services{Registrar: hvservices.NewLogRegistrar(log)}

	b := NewBus(log, services)
	b.channels = newChannelTable(8)

	ch := &Channel{ID: 5}
	if err := b.channels.insert(ch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := b.CloseChannel(context.Background(), 5); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("CloseChannel on unopened channel: want ErrBadArgument, got %v", err)
	}
}
