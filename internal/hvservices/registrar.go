package hvservices

import (
	"fmt"
	"log/slog"
	"sync"
)

// logRegistrar publishes channel attributes as structured log lines and
// hands back an opaque handle the bus can round-trip to Unregister. Real
// device-node plumbing (udev, a kernel module manager's device tree) is an
// external collaborator this core only ever talks to through the
// Registrar interface; this implementation stands in for it.
type logRegistrar struct {
	log *slog.Logger

	mu    sync.Mutex
	nodes map[uint32]ChannelAttributes
}

// NewLogRegistrar returns a Registrar that logs registration/unregistration
// and tracks attributes in memory, keyed by channel id.
func NewLogRegistrar(log *slog.Logger) Registrar {
	return &logRegistrar{log: log, nodes: make(map[uint32]ChannelAttributes)}
}

type channelNodeHandle uint32

func (r *logRegistrar) RegisterChannel(attrs ChannelAttributes) (NodeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[attrs.ChannelID] = attrs
	r.log.Info("registered channel device node",
		"bus", attrs.Bus,
		"pretty_name", attrs.PrettyName,
		"channel_id", attrs.ChannelID,
		"type", attrs.TypeGUID,
		"instance", attrs.InstanceGUID,
	)

	return channelNodeHandle(attrs.ChannelID), nil
}

func (r *logRegistrar) UnregisterChannel(handle NodeHandle) error {
	id, ok := handle.(channelNodeHandle)
	if !ok {
		return fmt.Errorf("hvservices: unregister: handle %v is not a channel node handle", handle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, ok := r.nodes[uint32(id)]
	if !ok {
		return fmt.Errorf("hvservices: unregister: no node for channel %d", id)
	}

	delete(r.nodes, uint32(id))
	r.log.Info("unregistered channel device node", "channel_id", attrs.ChannelID)

	return nil
}
