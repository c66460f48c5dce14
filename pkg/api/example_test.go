package api_test

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/extask/pkg/api"
)

// ExampleApplyConfigOptions shows how a topic override is derived from the
// pool-wide Config without changing it.
func ExampleApplyConfigOptions() {
	base := api.DefaultConfig()
	topic := api.ApplyConfigOptions(base,
		api.WithLockDuration(time.Minute),
		api.WithMaxTasks(5),
	)

	fmt.Println(base.LockDuration, base.MaxTasks)
	fmt.Println(topic.LockDuration, topic.MaxTasks)
	// Output:
	// 10s 1
	// 1m0s 5
}

// ExampleRemainingRetries shows the retry count a worker reports when a
// handler fails.
func ExampleRemainingRetries() {
	fresh := &api.ExternalTask{ID: "a"}
	two := 2
	retried := &api.ExternalTask{ID: "b", Retries: &two}

	fmt.Println(api.RemainingRetries(fresh, api.DefaultRetries))
	fmt.Println(api.RemainingRetries(retried, api.DefaultRetries))
	// Output:
	// 2
	// 1
}

// ExampleHandler shows a handler choosing between the three outcomes.
func ExampleHandler() {
	var handler api.Handler = func(ctx context.Context, task *api.ExternalTask) (api.Outcome, error) {
		switch task.StringVariable("decision") {
		case "approve":
			return task.Complete(map[string]any{"approved": true}), nil
		case "reject":
			return task.BpmnError("REJECTED", "request rejected"), nil
		default:
			return task.Failure("no decision", "decision variable missing"), nil
		}
	}

	for _, d := range []string{"approve", "reject", ""} {
		task := &api.ExternalTask{Variables: map[string]any{"decision": d}}
		out, _ := handler(context.Background(), task)
		fmt.Println(out.State())
	}
	// Output:
	// COMPLETED
	// BPMN_ERROR_REPORTED
	// FAILURE_REPORTED
}
