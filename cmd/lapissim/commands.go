package main

import "github.com/spf13/cobra"

func newStaticCommand(opts *Options) *cobra.Command {
	in := &runInputs{}
	var poolFile []string
	cmd := &cobra.Command{
		Use:   "static",
		Short: "Run with a fixed set of drones that never scales",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulator(cmd, opts, in, poolFiles{static: poolFile})
		},
	}
	addSharedRunFlags(cmd, in)
	cmd.Flags().StringArrayVar(&poolFile, "pool-file", nil, "HTCondor pool export; repeatable")
	_ = cmd.MarkFlagRequired("pool-file")
	return cmd
}

func newDynamicCommand(opts *Options) *cobra.Command {
	in := &runInputs{}
	var poolFile []string
	cmd := &cobra.Command{
		Use:   "dynamic",
		Short: "Run with elastic pools that scale demand to observed load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulator(cmd, opts, in, poolFiles{dynamic: poolFile})
		},
	}
	addSharedRunFlags(cmd, in)
	cmd.Flags().StringArrayVar(&poolFile, "pool-file", nil, "HTCondor pool export; repeatable")
	_ = cmd.MarkFlagRequired("pool-file")
	return cmd
}

func newHybridCommand(opts *Options) *cobra.Command {
	in := &runInputs{}
	var staticFiles, dynamicFiles []string
	cmd := &cobra.Command{
		Use:   "hybrid",
		Short: "Run with both fixed and elastic pools side by side",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulator(cmd, opts, in, poolFiles{static: staticFiles, dynamic: dynamicFiles})
		},
	}
	addSharedRunFlags(cmd, in)
	cmd.Flags().StringArrayVar(&staticFiles, "static-pool-file", nil, "HTCondor pool export treated as a fixed pool; repeatable")
	cmd.Flags().StringArrayVar(&dynamicFiles, "dynamic-pool-file", nil, "HTCondor pool export treated as an elastic pool; repeatable")
	return cmd
}
