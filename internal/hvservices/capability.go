package hvservices

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// linuxCapabilityChecker reads /proc/self/status the way a capability-aware
// CLI checks for CAP_SYS_RAWIO before touching raw hardware.
type linuxCapabilityChecker struct{}

// NewCapabilityChecker returns a CapabilityChecker backed by
// /proc/self/status.
func NewCapabilityChecker() CapabilityChecker {
	return linuxCapabilityChecker{}
}

// HasCapability reports whether c is set in this process's effective
// capability mask.
func (linuxCapabilityChecker) HasCapability(c Capability) (bool, error) {
	procStatus, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false, fmt.Errorf("hvservices: reading /proc/self/status: %w", err)
	}

	for _, line := range strings.Split(string(procStatus), "\n") {
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return false, fmt.Errorf("hvservices: malformed CapEff line %q", line)
		}

		mask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return false, fmt.Errorf("hvservices: parsing CapEff value: %w", err)
		}

		return mask&(1<<uint(c)) != 0, nil
	}

	return false, fmt.Errorf("hvservices: CapEff line not found in /proc/self/status")
}
