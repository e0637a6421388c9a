package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"forge.build/coordinator"
)

var (
	coordinatorListenAddr string
	coordinatorAuthToken  string
	coordinatorEnableReapi bool
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "run the distributed build coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return configErr(err)
		}
		log := newLogger()

		cfg := coordinator.DefaultConfig()
		if coordinatorListenAddr != "" {
			cfg.ListenAddr = coordinatorListenAddr
		} else if settings.CoordinatorHost != "" {
			cfg.ListenAddr = settings.CoordinatorHost + ":7777"
		}
		cfg.EnableReapi = coordinatorEnableReapi
		cfg.Logger = log

		if coordinatorAuthToken != "" {
			hash, err := coordinator.HashAuthToken(coordinatorAuthToken)
			if err != nil {
				return configErr(err)
			}
			cfg.AuthTokenHash = hash
		}

		c := coordinator.New(cfg)

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Println("coordinator listening on", cfg.ListenAddr)
		if err := c.Serve(ctx); err != nil {
			return &CLIError{Code: ExitInternalError, Err: err}
		}
		return nil
	},
}

func init() {
	coordinatorCmd.Flags().StringVar(&coordinatorListenAddr, "listen", "", "TCP listen address (overrides coordinator_host config)")
	coordinatorCmd.Flags().StringVar(&coordinatorAuthToken, "auth-token", "", "plaintext worker auth token (hashed with bcrypt before use)")
	coordinatorCmd.Flags().BoolVar(&coordinatorEnableReapi, "enable-reapi", false, "expose the REAPI facade")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
