package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alkorolyov/dcmon/internal/auth"
	"github.com/alkorolyov/dcmon/internal/server"
	"github.com/alkorolyov/dcmon/internal/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the dcmon control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := newLogger(cfg.LogLevel)

		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		authSvc, err := auth.NewService(cfg.Server.AuthDir, cfg.Server.TestMode)
		if err != nil {
			return fmt.Errorf("auth setup: %w", err)
		}

		audit, err := auth.OpenAudit(cfg.Server.AuditLogPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()

		srv, err := server.New(cfg.Server, store, authSvc, audit, log)
		if err != nil {
			return fmt.Errorf("server setup: %w", err)
		}

		log.WithField("port", cfg.Server.Port).Info("starting dcmon server")
		if err := srv.Run(ctx); err != nil {
			return runtimeError{err: fmt.Errorf("server: %w", err)}
		}
		log.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
