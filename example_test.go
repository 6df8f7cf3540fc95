package steward_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/steward"
)

// Example_localRunner routes a chat mention to a workflow whose reply needs
// approval, approves it and waits for completion.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	def, err := steward.New("chat_mention").
		Step("draft", steward.ActionDraftReply).
		ApprovalStep("reply", steward.ActionSendMessage, "post the drafted reply").
		Build()
	if err != nil {
		log.Fatal(err)
	}

	runner, err := steward.NewLocalRunner(steward.BundleConfig{
		Workflows: []steward.WorkflowDefinition{def},
		Rules: []steward.Rule{{
			Name:     "mentions",
			Workflow: def.Name,
			Match:    steward.KindIs("app_mention"),
		}},
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	_, exec, err := runner.Ingest(ctx, steward.RawEvent{
		Source: steward.SourceChat,
		Payload: map[string]any{
			"client_msg_id": "msg-1",
			"channel":       "C42",
			"type":          "app_mention",
			"text":          "can you confirm Thursday?",
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	exec, err = runner.WaitFor(ctx, exec.ID, steward.StateAwaitingApproval)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(exec.State)

	open, err := runner.PendingApprovals(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(open[0].Summary)
	if _, err := runner.Decide(ctx, open[0].ID, steward.DecisionApproved, "ceo"); err != nil {
		log.Fatal(err)
	}

	exec, err = runner.WaitFor(ctx, exec.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(exec.State)

	// Output:
	// awaiting_approval
	// post the drafted reply
	// completed
}
