package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alkorolyov/dcmon/internal/agent"
)

var agentOnce bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the dcmon edge agent",
	Long: `Runs the edge agent: drives exporters on an interval, pushes metric
batches, ships logs incrementally and executes remote commands.
--once performs a single collection cycle and exits, which installers
use to validate an enrollment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := newLogger(cfg.LogLevel)

		agentCfg := cfg.Agent
		if agentCfg.AgentID == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolve hostname: %w", err)
			}
			agentCfg.AgentID = hostname
			if agentCfg.Hostname == "" {
				agentCfg.Hostname = hostname
			}
		}

		rt, err := agent.NewRuntime(agentCfg, log)
		if err != nil {
			return fmt.Errorf("agent setup: %w", err)
		}
		rt.WithExporter(agent.NewOSExporter(nil))

		if err := rt.Bootstrap(ctx); err != nil {
			return fmt.Errorf("agent bootstrap: %w", err)
		}

		if agentOnce {
			if err := rt.RunOnce(ctx); err != nil {
				return runtimeError{err: fmt.Errorf("collection cycle: %w", err)}
			}
			return nil
		}

		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("agent start: %w", err)
		}

		log.Info("dcmon agent started")
		<-ctx.Done()

		rt.Stop()
		if err := rt.Wait(); err != nil {
			return runtimeError{err: fmt.Errorf("agent: %w", err)}
		}
		log.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "run a single collection cycle and exit")
}
