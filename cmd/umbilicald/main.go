// Command umbilicald is the single per-machine mitotic supervisor process
// (spec §4): it owns the well-known umbilical socket and mediates every
// sibling-cell spawn on the machine.
//
// Grounded on the teacher's coordinator/cmd/coordinator/main.go: cobra root
// command with a required flag, errgroup fan-out between the server loop
// and signal wait, zap logger built up front and passed down.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Leif-Rydenfalk/cell/internal/config"
	"github.com/Leif-Rydenfalk/cell/internal/logging"
	"github.com/Leif-Rydenfalk/cell/internal/xcmd"
	"github.com/Leif-Rydenfalk/cell/umbilical"
)

type cmdArgs struct {
	AllowListPath  string
	RestartEnabled bool
	MaxRestarts    int
}

var args cmdArgs

var rootCmd = &cobra.Command{
	Use:   "umbilicald",
	Short: "Mitotic supervisor mediating sibling cell spawns on this machine",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(args); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&args.AllowListPath, "allow-list", "a", "", "Path to the spawn allow-list YAML file (required)")
	rootCmd.MarkFlagRequired("allow-list")
	rootCmd.Flags().BoolVar(&args.RestartEnabled, "restart", true, "Restart children on unexpected exit (Necrosis)")
	rootCmd.Flags().IntVar(&args.MaxRestarts, "max-restarts", 5, "Maximum restarts per child over the supervisor's lifetime")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args cmdArgs) error {
	log, _, err := logging.Init(logging.Config{Level: zapcore.InfoLevel})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.FromEnvironment()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	allowList, err := umbilical.LoadAllowList(args.AllowListPath)
	if err != nil {
		return fmt.Errorf("failed to load allow-list: %w", err)
	}

	sup, err := umbilical.New(umbilical.Config{
		SocketPath:         cfg.UmbilicalSocketPath(),
		AllowList:          allowList,
		CytokinesisTimeout: 10 * time.Second,
		Restart: umbilical.RestartPolicy{
			Enabled:        args.RestartEnabled,
			MaxRestarts:    args.MaxRestarts,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Log: log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return sup.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
