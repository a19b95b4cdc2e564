package hvcall

// Hyper-V synthetic MSR addresses this core programs. Names follow the
// TLFS numbering.
const (
	msrGuestOSID = 0x40000000
	msrHypercall = 0x40000001

	msrSIMP     = 0x40000083
	msrSIEFP    = 0x40000082
	msrSCONTROL = 0x40000080
	msrEOM      = 0x40000084
	// msrSINTBase + n is SINTn, n in [0,15].
	msrSINTBase = 0x40000090
)

// GuestOSID encodes the value written to msrGuestOSID before hypercalls are
// enabled. The Haiku source writes a borrowed FreeBSD guest id; this core
// defines its own TLFS-documented vendor/OS/version encoding instead of
// borrowing another OS's identity.
type GuestOSID struct {
	VendorID     uint16
	OSID         uint8
	MajorVersion uint8
	MinorVersion uint8
	ServicePack  uint8
	BuildNumber  uint16
}

// Encode packs g into the 64-bit value the MSR expects: the open-source
// encoding has the vendor id in the top 16 bits, followed by OS id, major,
// minor, service pack and a 16-bit build number.
func (g GuestOSID) Encode() uint64 {
	return uint64(g.VendorID)<<48 |
		uint64(g.OSID)<<40 |
		uint64(g.MajorVersion)<<32 |
		uint64(g.MinorVersion)<<24 |
		uint64(g.ServicePack)<<16 |
		uint64(g.BuildNumber)
}

// DefaultGuestOSID identifies this core to the host. VendorID 0x8888 is an
// unallocated, non-Microsoft vendor range reserved for open-source guests.
var DefaultGuestOSID = GuestOSID{
	VendorID:     0x8888,
	OSID:         0x01,
	MajorVersion: 1,
	MinorVersion: 0,
}

const (
	hypercallEnableBit = 1 << 0
	simpEnableBit      = 1 << 0
	siefpEnableBit     = 1 << 0
	sintMaskedBit      = 1 << 16
	scontrolEnableBit  = 1 << 0
)

func sintMSR(sint uint32) uint32 { return msrSINTBase + sint }

// EnableHypercalls writes the guest OS id and then the hypercall MSR,
// pointing it at hypercallPagePFN with the enable bit set. Per spec.md
// 4.D step 1, the guest OS id must land before the hypercall MSR is
// programmed.
func EnableHypercalls(hypercallPagePFN uint64) {
	writeMSR(msrGuestOSID, DefaultGuestOSID.Encode())
	writeMSR(msrHypercall, (hypercallPagePFN<<12)|hypercallEnableBit)
}

// DisableHypercalls clears the hypercall MSR's enable bit, the mirror image
// of EnableHypercalls.
func DisableHypercalls() {
	writeMSR(msrHypercall, readMSR(msrHypercall)&^uint64(hypercallEnableBit))
}

// EnableCPU programs this CPU's SIMP, SIEFP, SINT2, SINT4 and SCONTROL
// MSRs. It must run pinned to the target CPU; callers fan this out across
// every CPU via a synchronous broadcast (spec.md 4.D step 4).
func EnableCPU(messagePagePFN, eventFlagsPagePFN uint64, interruptVector uint8) {
	writeMSR(msrSIMP, (messagePagePFN<<12)|simpEnableBit)
	writeMSR(msrSIEFP, (eventFlagsPagePFN<<12)|siefpEnableBit)
	writeMSR(sintMSR(hvwireSintMessage), uint64(interruptVector))
	writeMSR(sintMSR(hvwireSintTimer), uint64(interruptVector))
	writeMSR(msrSCONTROL, readMSR(msrSCONTROL)|scontrolEnableBit)
}

// DisableCPU reverses EnableCPU: masks SINT2/SINT4 and clears the enable
// bits on SCONTROL, SIMP and SIEFP, in that order.
func DisableCPU() {
	writeMSR(sintMSR(hvwireSintMessage), readMSR(sintMSR(hvwireSintMessage))|sintMaskedBit)
	writeMSR(sintMSR(hvwireSintTimer), readMSR(sintMSR(hvwireSintTimer))|sintMaskedBit)
	writeMSR(msrSCONTROL, readMSR(msrSCONTROL)&^uint64(scontrolEnableBit))
	writeMSR(msrSIMP, readMSR(msrSIMP)&^uint64(simpEnableBit))
	writeMSR(msrSIEFP, readMSR(msrSIEFP)&^uint64(siefpEnableBit))
}

// AckMessage writes 0 to this CPU's EOM MSR, acknowledging that its SynIC
// message slot has been fully consumed. It must run on the CPU whose slot
// was processed (spec.md Property 8, "EOM locality") — callers that need
// to ack a different CPU's slot dispatch this call there first.
func AckMessage() {
	writeMSR(msrEOM, 0)
}

// These mirror hvwire.SintMessage/SintTimer without importing hvwire,
// keeping this package a leaf with no dependency on the wire catalogue.
const (
	hvwireSintMessage = 2
	hvwireSintTimer   = 4
)
