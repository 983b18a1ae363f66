package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
)

func newRequestCommand() *cobra.Command {
	var (
		count int
		tags  map[string]string
		wait  bool
	)

	cmd := &cobra.Command{
		Use:   "request <templateId>",
		Short: "Request machines from a template",
		Long: `Submit an asynchronous provisioning request. The command prints the
request ID immediately; use "fleetbroker status" to follow progress, or
--wait to poll until the request reaches a terminal state.`,
		Example: `  # Request 3 machines from template t1
  fleetbroker request t1 --count 3

  # Tag the machines and wait for the outcome
  fleetbroker request t1 --count 5 --tag team=hpc --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			requestID, err := rt.broker.RequestMachines(ctx, args[0], count, tags)
			if err != nil {
				return err
			}
			fmt.Println(requestID)

			if !wait {
				return nil
			}
			return waitForRequest(ctx, rt, requestID)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of machines")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "request tags (key=value)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the request is terminal")

	return cmd
}

// waitForRequest drives the reconciler until the request settles, then
// prints the final status.
func waitForRequest(ctx context.Context, rt *runtime, requestID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		rt.broker.ReconcileOnce(ctx)
		status, err := rt.broker.GetRequestStatus(ctx, requestID)
		if err != nil {
			return err
		}
		if status.State.Terminal() {
			return printRequestStatus(status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
