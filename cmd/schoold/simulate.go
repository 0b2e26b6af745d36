package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/azzam1122112-dot/school-display/internal/clientsim"
)

// newSimulateCommand drives the exact client polling/backoff/transition
// state machine the browser kiosk runs (internal/clientsim) against a
// live schoold deployment, so operators can verify server behavior under
// the real client contract without opening a browser.
func newSimulateCommand() *cobra.Command {
	var (
		baseURL  string
		token    string
		deviceID string
		schoolID int64
		basePoll time.Duration
		cycles   int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the client polling state machine against a live server and print transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" || deviceID == "" {
				return fmt.Errorf("simulate: --token and --device-id are required")
			}

			rt := clientsim.New(clientsim.Config{
				Token:     token,
				DeviceID:  deviceID,
				SchoolID:  schoolID,
				BasePoll:  basePoll,
				Transport: clientsim.NewHTTPTransport(baseURL),
				Clock:     realClock{},
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			events := rt.Run(ctx)
			seen := 0
			for ev := range events {
				seen++
				fmt.Fprintf(cmd.OutOrStdout(), "phase=%s err=%v next_sleep=%s\n", ev.Phase, ev.Err, ev.NextSleep)
				if ev.Phase == clientsim.PhaseBlocked {
					return fmt.Errorf("simulate: server permanently blocked this device")
				}
				if cycles > 0 && seen >= cycles {
					cancel()
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "schoold HTTP base URL")
	cmd.Flags().StringVar(&token, "token", "", "display screen token")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "simulated device id")
	cmd.Flags().Int64Var(&schoolID, "school-id", 1, "school id, used only for the anti-stampede offset")
	cmd.Flags().DurationVar(&basePoll, "base-poll", 5*time.Second, "base status poll interval")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "stop after this many events (0 = run until interrupted)")
	return cmd
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
