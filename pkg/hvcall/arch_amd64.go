package hvcall

// readMSR, writeMSR, cpuid and hypercall have no Go bodies; their
// implementations are hand-written amd64 assembly in arch_amd64.s.

func readMSR(addr uint32) uint64

func writeMSR(addr uint32, value uint64)

func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// hypercall places control, inputPA and outputPA in the registers the
// Microsoft Hypervisor ABI expects (RCX, RDX, R8) and makes an indirect
// call through codePage, the executable page the host wrote its
// VMCALL/VMMCALL trampoline into. The result is returned in RAX. outputPA
// is 0 for every call this package makes, since both post-message and
// signal-event report their status inline in RAX rather than through a
// memory output block.
func hypercall(codePage uintptr, control, inputPA, outputPA uint64) uint64
