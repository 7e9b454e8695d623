package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/scheduling"
)

func TestReportHandlingStopCompletesOnceAllConnectedReport(t *testing.T) {
	reg := scheduling.NewRegistry(3, 0)
	for _, id := range []uint16{0, 1, 2} {
		if err := reg.InitializeNode(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.SetState(0, scheduling.Granted); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetState(1, scheduling.Granted); err != nil {
		t.Fatal(err)
	}
	// node 2 stays NotConnected and should not block completion.

	m := NewManager(reg, nil)
	ctx := context.Background()

	if done := m.ReportHandlingStop(ctx, 0); done {
		t.Fatalf("expected not done after only one of two connected federates reported")
	}
	select {
	case <-m.Done():
		t.Fatalf("Done() closed too early")
	default:
	}

	if done := m.ReportHandlingStop(ctx, 1); !done {
		t.Fatalf("expected done after both connected federates reported")
	}
	select {
	case <-m.Done():
	default:
		t.Fatalf("Done() should be closed")
	}
}

func TestWaitTimesOutWithoutReports(t *testing.T) {
	reg := scheduling.NewRegistry(1, 0)
	if err := reg.InitializeNode(0); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetState(0, scheduling.Granted); err != nil {
		t.Fatal(err)
	}

	m := NewManager(reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := m.Wait(ctx); err == nil {
		t.Fatalf("expected Wait to time out")
	}
}

func TestResetAllowsASecondRun(t *testing.T) {
	reg := scheduling.NewRegistry(1, 0)
	if err := reg.InitializeNode(0); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetState(0, scheduling.Granted); err != nil {
		t.Fatal(err)
	}

	m := NewManager(reg, nil)
	m.ReportHandlingStop(context.Background(), 0)
	select {
	case <-m.Done():
	default:
		t.Fatalf("expected done after the only federate reported")
	}

	m.Reset()
	select {
	case <-m.Done():
		t.Fatalf("Done() should reopen after Reset")
	default:
	}
}
