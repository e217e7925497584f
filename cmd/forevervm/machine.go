package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newMachineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage machines",
	}
	cmd.AddCommand(
		newMachineNewCmd(a),
		newMachineListCmd(a),
		newReplCmd(a),
	)
	return cmd
}

func newMachineNewCmd(a *app) *cobra.Command {
	var tags map[string]string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loggedInClient()
			if err != nil {
				return err
			}
			name, err := c.CreateMachine(cmd.Context(), tags)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Created machine %s\n", nameStyle.Render(name.String()))
			return nil
		},
	}

	addTagFlag(cmd.Flags(), &tags)
	return cmd
}

// addTagFlag binds a repeatable --tag key=value flag.
func addTagFlag(flags *pflag.FlagSet, tags *map[string]string) {
	flags.StringToStringVar(tags, "tag", nil, "tag the machine, as key=value (repeatable)")
}

func newMachineListCmd(a *app) *cobra.Command {
	format := formatText

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loggedInClient()
			if err != nil {
				return err
			}
			machines, err := c.ListMachines(cmd.Context())
			if err != nil {
				return err
			}
			return printMachines(a.stdout, format, machines)
		},
	}

	cmd.Flags().VarP(&format, "output", "o", "output format: text, json, yaml")
	return cmd
}
