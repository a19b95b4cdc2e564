// Package hvservices declares the collaborators the VMBus core treats as
// external services rather than implementing itself: ACPI resource
// discovery, per-CPU broadcast/dispatch, deferred-work queueing,
// contiguous physically-backed memory, capability checking, and child
// device-node registration. A Services bundle is built once at bring-up
// and injected into pkg/vmbus.NewBus, matching spec.md 9's "no ambient
// globals" design note.
package hvservices
