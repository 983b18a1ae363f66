package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <requestId>",
		Short: "Show the status of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			status, err := rt.broker.GetRequestStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printRequestStatus(status)
		},
	}
	return cmd
}

func printRequestStatus(status broker.RequestStatus) error {
	if jsonOutput {
		return printJSON(status)
	}

	fmt.Printf("Request:  %s\n", status.RequestID)
	fmt.Printf("Kind:     %s\n", status.Kind)
	if status.TemplateID != "" {
		fmt.Printf("Template: %s\n", status.TemplateID)
	}
	fmt.Printf("State:    %s\n", status.State)
	fmt.Printf("Count:    %d\n", status.Count)
	if status.Reason != "" {
		fmt.Printf("Reason:   %s\n", status.Reason)
	}
	if status.LastError != "" {
		fmt.Printf("Error:    %s\n", status.LastError)
	}

	if len(status.Machines) > 0 {
		fmt.Println()
		rows := [][]string{{"MACHINE", "INSTANCE", "STATUS", "IP"}}
		for _, m := range status.Machines {
			rows = append(rows, []string{m.MachineID, m.InstanceID, string(m.Status), m.PrivateIP})
		}
		table(rows)
	}
	return nil
}
