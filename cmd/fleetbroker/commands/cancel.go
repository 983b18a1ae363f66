package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <requestId>",
		Short: "Cancel an open request",
		Long: `Flag an open request for cooperative cancellation. The reconciliation
loop observes the flag, stops further provisioning, and issues a
best-effort terminate for capacity already created.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.broker.CancelRequest(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("cancellation requested for %s\n", args[0])
			return nil
		},
	}
	return cmd
}
