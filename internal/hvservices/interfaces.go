package hvservices

import "context"

// PhysicalBuffer is a contiguous, physically-backed allocation suitable for
// sharing with the host: the hypercall code page, per-CPU SynIC pages,
// event-flags pages, and GPADL-backed ring buffers are all one of these.
type PhysicalBuffer interface {
	// Bytes is the guest-virtual view of the allocation.
	Bytes() []byte
	// PFN is the physical frame number of Bytes()[0]; the allocation is
	// guaranteed contiguous, so PFN+i addresses page i of Bytes().
	PFN() uint64
	// Free releases the allocation. Callers tear down in the reverse
	// order they allocated, per spec.md 7's bring-up failure policy.
	Free()
}

// Allocator provides contiguous physically-backed memory.
type Allocator interface {
	// Allocate returns a PhysicalBuffer of exactly pages*4096 bytes.
	Allocate(pages int) (PhysicalBuffer, error)
}

// ACPIDevice is a resolved ACPI device node.
type ACPIDevice struct {
	HardwareID string
	// IRQs lists the interrupt lines in the device's current-resource
	// settings, in the order ACPI enumerated them. Generation-1 guests
	// present two; spec.md 4.D step 3 says the first one suffices.
	IRQs []int
}

// ACPIResolver locates the VMBus device and its IRQ.
type ACPIResolver interface {
	// FindDevice returns the ACPI device whose hardware id matches
	// hardwareID (spec.md 6.1 names "VMBUS").
	FindDevice(hardwareID string) (ACPIDevice, error)
}

// CPUDispatcher runs code on specific CPUs: the bring-up broadcast that
// programs every CPU's SynIC MSRs, and the single-CPU EOM dispatch used
// when a SynIC slot's pending bit defers acknowledgement to another CPU.
type CPUDispatcher interface {
	// NumCPU is the number of CPUs fn may be dispatched to, [0, NumCPU).
	NumCPU() int
	// Broadcast runs fn synchronously on every CPU and returns the first
	// error any invocation produced, mirroring call_all_cpus_sync.
	Broadcast(ctx context.Context, fn func(cpu int) error) error
	// DispatchTo runs fn synchronously on the given CPU.
	DispatchTo(ctx context.Context, cpu int, fn func()) error
}

// DeferredQueue hands interrupt-context work to a worker that may block.
// The per-CPU ISR (spec.md 5) must never block, so it only ever calls
// Enqueue.
type DeferredQueue interface {
	Enqueue(work func())
}

// Capability identifies a Linux capability bit this core checks before
// attempting privileged operations.
type Capability int

// CapSysRawio gates raw MSR/hypercall access, the same capability the
// source checks before touching the backdoor port.
const CapSysRawio Capability = 17

// CapabilityChecker reports whether the running process holds a given
// capability.
type CapabilityChecker interface {
	HasCapability(c Capability) (bool, error)
}

// ChannelAttributes is the device-node attribute set a registered channel
// publishes (spec.md 6.2).
type ChannelAttributes struct {
	Bus          string
	PrettyName   string
	ChannelID    uint32
	TypeGUID     string
	InstanceGUID string
}

// NodeHandle identifies a registered child device node.
type NodeHandle interface{}

// Registrar publishes and retracts child device nodes for registered
// channels. The core treats device-node plumbing as an external service
// (spec.md 1); this is its only seam into that plumbing.
type Registrar interface {
	RegisterChannel(attrs ChannelAttributes) (NodeHandle, error)
	UnregisterChannel(handle NodeHandle) error
}
