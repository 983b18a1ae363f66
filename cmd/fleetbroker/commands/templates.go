package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
)

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List configured templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, broker.DefaultConfig(), nil)
			if err != nil {
				return err
			}
			defer rt.close()

			tpls, err := rt.broker.ListTemplates(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tpls)
			}

			rows := [][]string{{"TEMPLATE", "API", "MAX", "IMAGE", "TYPE"}}
			for _, tpl := range tpls {
				rows = append(rows, []string{
					tpl.TemplateID, string(tpl.ProviderAPI),
					strconv.Itoa(tpl.MaxNumber), tpl.ImageID, tpl.InstanceType,
				})
			}
			table(rows)
			return nil
		},
	}
	return cmd
}
