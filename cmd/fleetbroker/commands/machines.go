package commands

import (
	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
	"github.com/fleetbroker/fleetbroker/pkg/providers"
)

func newMachinesCommand() *cobra.Command {
	var (
		requestID  string
		templateID string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List the machine inventory",
		Example: `  # All machines
  fleetbroker machines

  # Machines of one request
  fleetbroker machines --request req-abc

  # Running machines of a template
  fleetbroker machines --template t1 --status running`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			records := rt.broker.ListMachines(ctx, broker.MachineFilter{
				RequestID:  requestID,
				TemplateID: templateID,
				Status:     providers.MachineState(status),
			})
			if jsonOutput {
				return printJSON(records)
			}

			rows := [][]string{{"MACHINE", "REQUEST", "TEMPLATE", "INSTANCE", "STATUS", "IP"}}
			for _, rec := range records {
				rows = append(rows, []string{
					rec.MachineID, rec.RequestID, rec.TemplateID,
					rec.InstanceID, string(rec.Status), rec.PrivateIP,
				})
			}
			table(rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&requestID, "request", "r", "", "filter by request id")
	cmd.Flags().StringVarP(&templateID, "template", "t", "", "filter by template id")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by machine status")

	return cmd
}
