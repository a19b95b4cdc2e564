package hvservices

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDeferredQueueRunsWork(t *testing.T) {
	t.Parallel()

	q, stop := NewDeferredQueue(2)
	defer stop()

	var n atomic.Int32

	const jobs = 50
	for i := 0; i < jobs; i++ {
		q.Enqueue(func() { n.Add(1) })
	}

	deadline := time.Now().Add(time.Second)
	for n.Load() != jobs && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := n.Load(); got != jobs {
		t.Fatalf("want %d jobs run, got %d", jobs, got)
	}
}

func TestCapabilityCheckerReadsProcSelfStatus(t *testing.T) {
	t.Parallel()

	checker := NewCapabilityChecker()

	if _, err := checker.HasCapability(CapSysRawio); err != nil {
		t.Fatalf("HasCapability: %v", err)
	}
}
