package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"launcher-ate/internal/script"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered tests and actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := a.loadSuite()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tests (%s):\n", suite.TestsDir)
			for _, name := range suite.Tests {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintf(out, "Actions (%s):\n", suite.ActionsDir)
			for _, name := range suite.Actions {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}

func (a *app) loadSuite() (*script.Suite, error) {
	suite, err := script.LoadSuite(a.cfg.TestsDir, a.cfg.ActionsDir, a.cfg.Anchors.Setup, a.cfg.Anchors.Baseline)
	if err != nil {
		return nil, fmt.Errorf("discover scripts: %w", err)
	}
	a.logger.Debug("suite discovered", "tests", len(suite.Tests), "actions", len(suite.Actions))
	return suite, nil
}
