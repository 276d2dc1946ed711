package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alkorolyov/dcmon/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dcmon",
	Short: "dcmon is a self-hosted datacenter telemetry and remote-control plane",
	Long: `dcmon runs as either the central server (ingesting metrics and logs
from a fleet of agents and brokering remote commands) or as an edge
agent on a monitored host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Exit codes: 0 clean, 1 startup/config error,
// 2 unrecoverable runtime error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dcmon: %v\n", err)
		var re runtimeError
		if errors.As(err, &re) {
			return 2
		}
		return 1
	}
	return 0
}

// runtimeError marks failures past successful startup.
type runtimeError struct {
	err error
}

func (e runtimeError) Error() string { return e.err.Error() }
func (e runtimeError) Unwrap() error { return e.err }

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches ., /etc/dcmon, $HOME/.dcmon)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcmon: config: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	switch strings.ToUpper(level) {
	case "DEBUG":
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
