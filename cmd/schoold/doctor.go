package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/azzam1122112-dot/school-display/internal/broadcast"
)

// newDoctorCommand groups operator diagnostics that never touch the
// serving path: today, replaying the invalidation-replay mirror's recent
// history for a school when a display reports it missed a push and the
// operator wants to know whether the gap was on the publish side.
func newDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Operator diagnostics",
	}
	cmd.AddCommand(newDoctorReplayCommand())
	return cmd
}

func newDoctorReplayCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "replay <school_id>",
		Short: "Print the recent invalidation events recorded in the durability mirror for a school",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schoolID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid school_id %q: %w", args[0], err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.NATSStoreDir == "" {
				return fmt.Errorf("doctor replay: no --nats-store-dir configured; the durability mirror was never started for this deployment")
			}

			mirror, err := broadcast.StartMirror(broadcast.MirrorConfig{Port: cfg.NATSPort, StoreDir: cfg.NATSStoreDir})
			if err != nil {
				return fmt.Errorf("doctor replay: connect to mirror: %w", err)
			}
			defer mirror.Shutdown()

			events, err := mirror.Replay(schoolID, limit)
			if err != nil {
				return fmt.Errorf("doctor replay: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, event := range events {
				if err := enc.Encode(event); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of recent events to print")
	return cmd
}
