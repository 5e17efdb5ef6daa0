package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	cluelog "goa.design/clue/log"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/maintenance"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Maintenance sweep operations",
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one maintenance sweep synchronously and print its report",
	RunE:  runMaintenanceRun,
}

func init() {
	maintenanceRunCmd.Flags().String("store", "memory", "Queue/proposal store backend: memory or postgres")
	maintenanceRunCmd.Flags().String("manifest-store", "memory", "Manifest registry store backend: memory or mongo")
	maintenanceCmd.AddCommand(maintenanceRunCmd)
}

func runMaintenanceRun(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, _ := cmd.Flags().GetString("store")
	manifestStore, _ := cmd.Flags().GetString("manifest-store")

	ctx := cluelog.Context(context.Background(), cluelog.WithFormat(cluelog.FormatJSON))
	d, err := buildDeps(ctx, cfg, store, manifestStore, log)
	if err != nil {
		return fmt.Errorf("wire dependencies: %w", err)
	}
	defer d.Close()

	activities := &maintenance.Activities{Queue: d.Queue, Proposals: d.Proposals, Log: log}
	report, err := maintenance.RunOnce(ctx, activities)
	if err != nil {
		return fmt.Errorf("run maintenance sweep: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
