package hvservices

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsACPIResolver walks /sys/bus/acpi/devices the way a udev rule or a
// kernel module's probe routine would, matching on each device's "hid"
// file and cross-referencing /proc/interrupts for the lines a matching
// device's IRQs show up under.
type sysfsACPIResolver struct {
	devicesRoot    string
	interruptsPath string
}

// NewACPIResolver returns an ACPIResolver backed by /sys/bus/acpi/devices
// and /proc/interrupts.
func NewACPIResolver() ACPIResolver {
	return &sysfsACPIResolver{
		devicesRoot:    "/sys/bus/acpi/devices",
		interruptsPath: "/proc/interrupts",
	}
}

// FindDevice returns the ACPI device whose "hid" file matches hardwareID.
// Generation-1 guests present two IRQ lines for VMBus; this returns every
// one it finds, in the order they appear in /proc/interrupts, and the caller (spec.md
// 4.D step 3) uses the first.
func (r *sysfsACPIResolver) FindDevice(hardwareID string) (ACPIDevice, error) {
	entries, err := os.ReadDir(r.devicesRoot)
	if err != nil {
		return ACPIDevice{}, fmt.Errorf("hvservices: reading %s: %w", r.devicesRoot, err)
	}

	for _, entry := range entries {
		name := entry.Name()

		hid, err := os.ReadFile(filepath.Join(r.devicesRoot, name, "hid"))
		if err != nil {
			continue
		}

		if strings.TrimSpace(string(hid)) != hardwareID {
			continue
		}

		irqs, err := r.irqsFor(name)
		if err != nil {
			return ACPIDevice{}, err
		}

		return ACPIDevice{HardwareID: hardwareID, IRQs: irqs}, nil
	}

	return ACPIDevice{}, fmt.Errorf("hvservices: no ACPI device with hid %q", hardwareID)
}

// irqsFor scans /proc/interrupts for lines whose description column
// mentions deviceName, the same way one would grep dmesg for an IRQ a
// driver's probe routine requested.
func (r *sysfsACPIResolver) irqsFor(deviceName string) ([]int, error) {
	f, err := os.Open(r.interruptsPath)
	if err != nil {
		return nil, fmt.Errorf("hvservices: reading %s: %w", r.interruptsPath, err)
	}
	defer f.Close()

	var irqs []int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, deviceName) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		irqNum, err := strconv.Atoi(strings.TrimSuffix(fields[0], ":"))
		if err != nil {
			continue
		}

		irqs = append(irqs, irqNum)
	}

	return irqs, scanner.Err()
}
