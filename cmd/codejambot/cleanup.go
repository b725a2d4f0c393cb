package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/container"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover sandbox containers",
	Long: `Remove stopped containers created by codejambot. Useful after
crashed runs or interrupted executions left sandboxes behind.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	mgr, err := container.NewManager(log)
	if err != nil {
		return err
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if err := mgr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop container manager")
		}
	}()

	pruned, err := mgr.PruneStopped(ctx)
	if err != nil {
		return err
	}

	if pruned == 0 {
		log.Info("No codejambot containers found")

		return nil
	}

	log.WithField("pruned", pruned).Info("Cleanup completed")

	return nil
}
