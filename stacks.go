package main

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func stacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stacks",
		Short: "List local stacks and their observed state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "State", "Containers", "Running", "Updated"})
			for _, s := range a.registry.List() {
				running := 0
				for _, c := range s.Containers {
					if c.Running() {
						running++
					}
				}
				updated := ""
				if !s.UpdatedAt.IsZero() {
					updated = s.UpdatedAt.Local().Format(time.DateTime)
				}
				tw.AppendRow(table.Row{s.Name, s.State, len(s.Containers), running, updated})
			}
			tw.Render()
			return nil
		},
	}
}
