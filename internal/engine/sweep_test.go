package engine

import (
	"testing"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

func TestTimeoutSweepReachesPastLongWaiters(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.engine.sweepBatch = 2

		slow := singleStep("slow", api.ActionScheduleMeeting)
		slow.Timeout = 24 * time.Hour
		h.register(slow)
		fast := singleStep("fast", api.ActionSendMessage)
		fast.Timeout = time.Minute
		h.register(fast)

		h.start("slow")
		h.clock.Advance(time.Second)
		h.start("slow")
		h.clock.Advance(time.Second)
		h.start("slow")
		h.clock.Advance(time.Second)
		exec := h.start("fast")

		h.clock.Advance(10 * time.Minute)
		n, err := h.engine.SweepTimeouts(h.ctx, h.clock.Now())
		if err != nil || n != 1 {
			t.Fatalf("expected 1 timeout, got %d (err=%v)", n, err)
		}
		if got := h.get(exec.ID); got.State != api.StateTimedOut {
			t.Fatalf("expected fast execution timed_out, got %s", got.State)
		}
	})
}

func TestTimeoutSweepPagesThroughExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.engine.sweepBatch = 2

		def := singleStep("fast", api.ActionSendMessage)
		def.Timeout = time.Minute
		h.register(def)
		for i := 0; i < 5; i++ {
			h.start("fast")
			h.clock.Advance(time.Second)
		}

		h.clock.Advance(5 * time.Minute)
		n, err := h.engine.SweepTimeouts(h.ctx, h.clock.Now())
		if err != nil || n != 5 {
			t.Fatalf("expected 5 timeouts, got %d (err=%v)", n, err)
		}
	})
}

func TestSweepDueReachesPastOpenApprovals(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.engine.sweepBatch = 2
		h.register(gatedWorkflow())
		h.register(singleStep("triage", api.ActionDraftReply))

		for i := 0; i < 3; i++ {
			h.start("reply-to-email")
			h.report(h.claim(), api.Success(nil))
			h.clock.Advance(time.Second)
		}

		// Created after the waiting ones, never started.
		orphan := api.NewExecution(api.NewID(), "triage", nil, h.clock.Now())
		if err := h.store.CreateExecution(h.ctx, orphan); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}

		h.clock.Advance(2 * time.Minute)
		if n := h.sweepDue(); n != 1 {
			t.Fatalf("expected only the orphan to be repaired, sweep acted on %d", n)
		}
		if got := h.get(orphan.ID); got.State != api.StateRunning {
			t.Fatalf("expected orphan running, got %s", got.State)
		}
	})
}
