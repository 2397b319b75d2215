package api_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/petrijr/conduit"
	"github.com/petrijr/conduit/pkg/api"
)

// ExampleWorkflowDefinition builds a definition directly with the api types
// and binds it to an event type.
func ExampleWorkflowDefinition() {
	ctx := context.Background()

	noRetry := api.NoRetry()
	def := api.WorkflowDefinition{
		Name:    "tag-deal",
		KeyFunc: api.EventIDKey,
		Steps: []api.StepDefinition{
			{
				Name:  "tag",
				Retry: &noRetry,
				Fn: func(ctx context.Context, input any) (any, error) {
					ev, ok := input.(api.Event)
					if !ok {
						return nil, api.Permanentf("expected event input, got %T", input)
					}
					return "tagged:" + ev.ID, nil
				},
			},
		},
	}

	orch, err := conduit.NewOrchestrator(ctx, conduit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		log.Fatal(err)
	}
	defer orch.Close(ctx)

	if err := orch.Register("deal.closed", def); err != nil {
		log.Fatal(err)
	}

	insts, err := orch.Run(ctx, api.NewEvent("deal.closed", "d-9", nil))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(insts[0].Status, insts[0].Output)
	// Output: SUCCEEDED tagged:d-9
}

// ExampleClassifyHTTPStatus shows how connector responses map to retry
// decisions.
func ExampleClassifyHTTPStatus() {
	for _, code := range []int{404, 429, 503} {
		fmt.Println(code, api.KindOf(api.ClassifyHTTPStatus(code)))
	}
	fmt.Println(200, api.ClassifyHTTPStatus(200) == nil)
	// Output:
	// 404 PERMANENT
	// 429 TRANSIENT
	// 503 TRANSIENT
	// 200 true
}
