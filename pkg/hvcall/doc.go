// Package hvcall implements the guest-side hypercall surface: posting a
// management message, signalling a channel, and programming the per-CPU
// SynIC MSRs. Every call in this package is a single attempt with no
// retry policy and no locking of its own — retry policy belongs to the
// caller (pkg/vmbus's request correlator), and MSR programming is only
// ever called from a context already pinned to the target CPU.
package hvcall
