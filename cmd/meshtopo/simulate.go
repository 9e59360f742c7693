package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/scenario"
)

func newSimulateCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a roster scenario and print the resulting actions",
		Long: `Replay a YAML roster scenario against a fresh topology manager with a fake clock.
Every step prints the view version and the Connect/Disconnect actions it produced.
The command fails when a step errors unexpectedly or the expect block does not match.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlag("topology.max-group-size", cmd.Flags().Lookup("max-group-size"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			s, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			if v.IsSet("topology.max-group-size") && s.Topology.MaxGroupSize == 0 {
				s.Topology.MaxGroupSize = v.GetInt("topology.max-group-size")
			}

			res, runErr := scenario.NewRunner(logger).Run(s)
			if res != nil {
				if err := res.Write(cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().Int("max-group-size", 0, "Group size used when the scenario does not set one")
	return cmd
}
