package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
)

func newProvidersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show provider instance health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			health := rt.broker.GetProviderHealth(ctx)
			if jsonOutput {
				return printJSON(health)
			}

			rows := [][]string{{"INSTANCE", "STATUS", "FAILURES", "COOL-DOWN", "CAPABILITIES"}}
			for _, h := range health {
				coolDown := "-"
				if h.CoolDownUntil != nil {
					coolDown = h.CoolDownUntil.Format("15:04:05")
				}
				caps := ""
				for i, c := range h.Capabilities {
					if i > 0 {
						caps += ","
					}
					caps += string(c)
				}
				rows = append(rows, []string{
					h.ID, string(h.Status), strconv.Itoa(h.Failures), coolDown, caps,
				})
			}
			table(rows)
			return nil
		},
	}
	return cmd
}
