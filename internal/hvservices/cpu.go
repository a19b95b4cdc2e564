package hvservices

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// affinityDispatcher runs work on a goroutine locked to an OS thread that
// is, in turn, pinned to a single CPU via sched_setaffinity — the userspace
// analogue of call_all_cpus_sync and a single-CPU IPI dispatch.
type affinityDispatcher struct {
	numCPU int
}

// NewCPUDispatcher returns a CPUDispatcher that pins goroutines to CPUs
// with sched_setaffinity.
func NewCPUDispatcher() CPUDispatcher {
	return &affinityDispatcher{numCPU: runtime.NumCPU()}
}

func (d *affinityDispatcher) NumCPU() int { return d.numCPU }

// Broadcast fans fn out across every CPU concurrently and waits for all of
// them, returning the first error, mirroring call_all_cpus_sync.
func (d *affinityDispatcher) Broadcast(ctx context.Context, fn func(cpu int) error) error {
	g, ctx := errgroup.WithContext(ctx)

	for cpu := 0; cpu < d.numCPU; cpu++ {
		cpu := cpu

		g.Go(func() error {
			var callErr error

			if err := d.DispatchTo(ctx, cpu, func() { callErr = fn(cpu) }); err != nil {
				return err
			}

			return callErr
		})
	}

	return g.Wait()
}

// DispatchTo locks the calling goroutine's OS thread, pins it to cpu, runs
// fn, and restores the thread's affinity before unlocking. fn runs
// synchronously with respect to the caller.
func (d *affinityDispatcher) DispatchTo(ctx context.Context, cpu int, fn func()) error {
	if cpu < 0 || cpu >= d.numCPU {
		return fmt.Errorf("hvservices: cpu %d out of range [0, %d)", cpu, d.numCPU)
	}

	done := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var orig, want unix.CPUSet

		if err := unix.SchedGetaffinity(0, &orig); err != nil {
			done <- fmt.Errorf("hvservices: reading affinity: %w", err)

			return
		}

		want.Zero()
		want.Set(cpu)

		if err := unix.SchedSetaffinity(0, &want); err != nil {
			done <- fmt.Errorf("hvservices: pinning to cpu %d: %w", cpu, err)

			return
		}
		defer func() { _ = unix.SchedSetaffinity(0, &orig) }()

		fn()
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
