package hvcall

import (
	"encoding/binary"
	"fmt"
)

const (
	callCodePostMessage uint64 = 0x005C
	callCodeSignalEvent uint64 = 0x1005D

	// hvMessageTypeChannel is the fixed HV-level message type every VMBus
	// post-message carries; it has nothing to do with hvwire.MessageType,
	// which discriminates the payload one layer up.
	hvMessageTypeChannel uint32 = 0x00000001
)

// Status is the interpreted low 16 bits of a hypercall's 64-bit result.
type Status uint16

const (
	StatusSuccess             Status = 0x0000
	StatusInsufficientMemory  Status = 0x000B
	StatusInsufficientBuffers Status = 0x0013
)

// Retryable reports whether the caller should retry the hypercall that
// produced this status (spec.md 4.A).
func (s Status) Retryable() bool {
	return s == StatusInsufficientMemory || s == StatusInsufficientBuffers
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInsufficientMemory:
		return "insufficient-memory"
	case StatusInsufficientBuffers:
		return "insufficient-buffers"
	default:
		return fmt.Sprintf("status(0x%04x)", uint16(s))
	}
}

// postMessageInputSize is the fixed width of the post-message hypercall
// input structure: connection id, message type, payload size, and up to
// 240 bytes of payload.
const postMessageInputSize = 256
const postMessageMaxPayload = 240

// Caller issues hypercalls through a previously mapped, executable
// hypercall code page. The page's address is process-wide services state
// handed to the core once at bring-up (spec.md 9, "no ambient globals"),
// not a package-level global.
type Caller struct {
	// codePage is the virtual address of the executable page the host
	// wrote its VMCALL/VMMCALL trampoline into when the hypercall MSR was
	// programmed (EnableHypercalls). Every hypercall is an indirect call
	// through this address.
	codePage uintptr
}

// NewCaller wraps the hypercall code page mapped at codePageAddr. The page
// must already be executable and already be the one named by the
// hypercall MSR (EnableHypercalls sets that up).
func NewCaller(codePageAddr uintptr) *Caller {
	return &Caller{codePage: codePageAddr}
}

// PostMessage performs a single post-message hypercall. inputPage must be a
// contiguous, physically-backed 256-byte buffer (spec.md 4.A); inputPagePFN
// is its physical frame number. The payload is copied into inputPage before
// the call. This function makes exactly one attempt; retry policy is the
// request correlator's responsibility.
func (c *Caller) PostMessage(inputPage []byte, inputPagePFN uint64, connectionID uint32, payload []byte) (Status, error) {
	if len(inputPage) < postMessageInputSize {
		return 0, fmt.Errorf("hvcall: post-message input page is %d bytes, need %d", len(inputPage), postMessageInputSize)
	}

	if len(payload) > postMessageMaxPayload {
		return 0, fmt.Errorf("hvcall: post-message payload is %d bytes, max %d", len(payload), postMessageMaxPayload)
	}

	binary.LittleEndian.PutUint32(inputPage[0:4], connectionID)
	binary.LittleEndian.PutUint32(inputPage[4:8], hvMessageTypeChannel)
	binary.LittleEndian.PutUint32(inputPage[8:12], uint32(len(payload)))

	for i := 12; i < postMessageInputSize; i++ {
		inputPage[i] = 0
	}

	copy(inputPage[12:], payload)

	result := hypercall(c.codePage, callCodePostMessage, inputPagePFN<<12, 0)

	return Status(uint16(result)), nil
}

// SignalEvent performs the fast, register-only signal-event hypercall for
// connectionID. Unlike PostMessage it carries no memory operand.
func (c *Caller) SignalEvent(connectionID uint32) Status {
	result := hypercall(c.codePage, callCodeSignalEvent, uint64(connectionID), 0)

	return Status(uint16(result))
}

// hvInterfaceSignature is "Hv#1" read as a little-endian uint32, the
// documented value of eax on the Hyper-V CPUID interface-id leaf.
const hvInterfaceSignature = 0x31237648

// hvAlternateInterfaceSignature is an alternate signature some hosts report
// on the same leaf; the Design Notes' open question asks implementers to
// accept it too.
const hvAlternateInterfaceSignature = 0x31235356

const (
	cpuidLeafFeatures    = 0x1
	cpuidLeafInterfaceID = 0x40000001

	hypervisorPresentBit = 1 << 31
)

// DetectHypervisor reports whether this CPU is running under Hyper-V (or a
// host presenting Hyper-V's enlightenment interface), per spec.md Design
// Notes: check the hypervisor-present feature bit, then confirm the
// interface-id leaf reports one of the accepted signatures.
func DetectHypervisor() bool {
	_, _, ecx, _ := cpuid(cpuidLeafFeatures, 0)
	if ecx&hypervisorPresentBit == 0 {
		return false
	}

	eax, _, _, _ := cpuid(cpuidLeafInterfaceID, 0)

	return eax == hvInterfaceSignature || eax == hvAlternateInterfaceSignature
}
