package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
)

func newReturnCommand() *cobra.Command {
	var byRequest string

	cmd := &cobra.Command{
		Use:   "return [machineId...]",
		Short: "Return machines for termination",
		Long: `Submit an asynchronous return request for named machines, or for every
machine of an earlier provisioning request via --request.`,
		Example: `  # Return two machines
  fleetbroker return m-1 m-2

  # Return everything a request provisioned
  fleetbroker return --request req-abc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if (len(args) == 0) == (byRequest == "") {
				return fmt.Errorf("name machine ids or use --request, not both")
			}

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			var requestID string
			if byRequest != "" {
				requestID, err = rt.broker.ReturnMachinesByRequest(ctx, byRequest)
			} else {
				requestID, err = rt.broker.ReturnMachines(ctx, args)
			}
			if err != nil {
				return err
			}
			fmt.Println(requestID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&byRequest, "request", "r", "", "return every machine of this request")

	return cmd
}
