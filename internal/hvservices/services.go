package hvservices

import "log/slog"

// Services bundles every external collaborator the core consumes. It is
// built once at bring-up and passed to pkg/vmbus.NewBus; nothing in this
// repository reaches any of these through a package-level global.
type Services struct {
	Allocator     Allocator
	ACPI          ACPIResolver
	CPU           CPUDispatcher
	Deferred      DeferredQueue
	Registrar     Registrar
	Capability    CapabilityChecker
	stopDeferred  func()
}

// NewLinuxServices wires the Linux-backed implementations of every
// collaborator together. Callers must call Close when the bus is torn
// down.
func NewLinuxServices(log *slog.Logger) (*Services, error) {
	allocator, err := NewAllocator()
	if err != nil {
		return nil, err
	}

	deferred, stop := NewDeferredQueue(1)

	return &Services{
		Allocator:    allocator,
		ACPI:         NewACPIResolver(),
		CPU:          NewCPUDispatcher(),
		Deferred:     deferred,
		Registrar:    NewLogRegistrar(log),
		Capability:   NewCapabilityChecker(),
		stopDeferred: stop,
	}, nil
}

// Close drains the deferred-work queue. It does not unmap any
// PhysicalBuffer the bus allocated; those are freed in the bus's own
// reverse-acquisition-order teardown (spec.md 7).
func (s *Services) Close() {
	if s.stopDeferred != nil {
		s.stopDeferred()
	}
}
