package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyperv-go/vmbus/internal/hvservices"
	"github.com/hyperv-go/vmbus/pkg/hvcall"
	"github.com/hyperv-go/vmbus/pkg/vmbus"
)

var (
	errMissingCapability = errors.New("vmbusd: missing capability")
	errNoHypervisor      = errors.New("vmbusd: no hypervisor detected")
)

// runBus performs the capability and hypervisor checks, brings the bus up,
// requests the host's channel offers, and blocks until SIGINT/SIGTERM —
// mirroring the teacher's vmtoolsd() capability-gate-then-serve-until-signal
// shape.
func runBus(_ *cobra.Command, _ []string) error {
	services, err := hvservices.NewLinuxServices(logger)
	if err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	defer services.Close()

	if !viper.GetBool(flagSkipHypervDetection) {
		ok, err := services.Capability.HasCapability(hvservices.CapSysRawio)
		if err != nil {
			return fmt.Errorf("checking capabilities: %w", err)
		}

		if !ok {
			return fmt.Errorf("%w: vmbusd needs CAP_SYS_RAWIO to program hypercalls", errMissingCapability)
		}

		if !hvcall.DetectHypervisor() {
			return fmt.Errorf("%w: no Hyper-V hypervisor detected, pass --%s to override", errNoHypervisor, flagSkipHypervDetection)
		}
	}

	bus := vmbus.NewBus(logger, services)

	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to vmbus: %w", err)
	}

	if err := bus.RequestChannels(ctx); err != nil {
		_ = bus.Disconnect(ctx)

		return fmt.Errorf("requesting channel offers: %w", err)
	}

	logger.Info("vmbus connected", "version", bus.GetVersion())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("received signal, disconnecting", "signal", s)
	case <-ctx.Done():
	}

	return bus.Disconnect(ctx)
}
