package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/twinsentry"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "twinsentry",
		Short:         "Digital twin behavioral engine",
		Long:          "twinsentry maintains digital twins of devices from their telemetry and raises alerts on behavioral anomalies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config `file`")
	addSettingsFlags(root.PersistentFlags())

	root.AddCommand(newRunCommand(), newBootstrapCommand(), newCheckSchemasCommand())
	return root
}

// prepare loads the settings of cmd and returns a context carrying the logger
// they configure.
func prepare(cmd *cobra.Command) (context.Context, settings, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, settings{}, err
	}
	s, err := loadSettings(cmd.Flags(), configFile)
	if err != nil {
		return nil, settings{}, err
	}
	level, err := s.level()
	if err != nil {
		return nil, settings{}, err
	}
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return component.InjectLogger(cmd.Context(), logger), s, nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, s, err := prepare(cmd)
			if err != nil {
				return err
			}
			return run(ctx, s)
		},
	}
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the databases, constraints and tables of the configured journals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, s, err := prepare(cmd)
			if err != nil {
				return err
			}
			if s.Neo4j.URL == "" && s.Timescale.DSN == "" {
				return fmt.Errorf("nothing to bootstrap: set --neo4j-url or --timescale-dsn")
			}
			r := &resources{}
			defer r.close(ctx)
			if err := r.openJournals(ctx, s, true); err != nil {
				return err
			}
			component.Logger(ctx).Info("Journals bootstrapped")
			return nil
		},
	}
}

func newCheckSchemasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-schemas FILE",
		Short: "Validate a kind schemas file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas, err := loadSchemas(args[0])
			if err != nil {
				return err
			}
			for _, kind := range slices.Sorted(maps.Keys(schemas)) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d metrics\n", kind, len(schemas[kind].Metrics))
			}
			return nil
		},
	}
}

func loadSchemas(path string) (twinsentry.Schemas, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	schemas, err := twinsentry.LoadSchemas(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return schemas, nil
}
