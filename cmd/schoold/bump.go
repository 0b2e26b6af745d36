package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/azzam1122112-dot/school-display/internal/broadcast"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
	"github.com/azzam1122112-dot/school-display/internal/revision"
)

// newBumpCommand implements the write-side post_commit hook (spec.md
// §4.1, §4.5) as an externally invocable action: an upstream admin
// system calls `schoold bump <school_id>` after committing a schedule
// change, which attempts the debounced bump and, only if it actually
// incremented the counter, broadcasts the new revision.
func newBumpCommand() *cobra.Command {
	var setValue int64
	var hasSetValue bool

	cmd := &cobra.Command{
		Use:   "bump <school_id>",
		Short: "Debounce-bump a school's revision and broadcast the change if it incremented",
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
			log := obslog.New(cfg.LogFormat, cfg.LogLevel)

			store, err := openStore(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("open kv store: %w", err)
			}
			defer store.Close()

			reg := revision.New(store, cfg.BumpLockTTL, log)

			if hasSetValue {
				if err := reg.Set(cmd.Context(), schoolID, setValue); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "school %d revision forcibly set to %d\n", schoolID, setValue)
				return nil
			}

			bumped := reg.BumpDebounced(cmd.Context(), schoolID)
			if !bumped {
				fmt.Fprintf(cmd.OutOrStdout(), "school %d bump collapsed into an in-flight debounce window, no-op\n", schoolID)
				return nil
			}

			rev, err := reg.Get(cmd.Context(), schoolID)
			if err != nil {
				return err
			}

			wsEnabled := func() bool { return cfg.WSEnabled }
			broadcaster := broadcast.NewBroadcaster(store, wsEnabled, nil, log, nil, nil)
			broadcaster.Broadcast(cmd.Context(), schoolID, rev)

			fmt.Fprintf(cmd.OutOrStdout(), "school %d bumped to revision %d and broadcast\n", schoolID, rev)
			return nil
		},
	}

	cmd.Flags().Int64Var(&setValue, "set", 0, "administrative override: force the revision to this exact value instead of debounce-bumping")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		hasSetValue = cmd.Flags().Changed("set")
	}

	return cmd
}
