package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// globalFlags override the loaded configuration when set.
type globalFlags struct {
	configPath string
	dbDriver   string
	dbPath     string
	logLevel   string
	logFormat  string
	machineID  string
	redisAddr  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "openagent",
		Short:         "Durable block-script execution engine",
		Long:          "openagent runs scripts of tool calls, assignments and prompts, checkpointing every step so executions can be paused, resumed and recovered on another machine.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.openagent/config.yaml)")
	pf.StringVar(&flags.dbDriver, "db-driver", "", "store driver: libsql or sqlite")
	pf.StringVar(&flags.dbPath, "db", "", "database path")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&flags.machineID, "machine-id", "", "machine id used for ownership and leases")
	pf.StringVar(&flags.redisAddr, "redis", "", "redis address for leases and locks (default: use the store)")

	load := func(cmd *cobra.Command) (Config, error) {
		cfg, err := loadConfig(flags.configPath)
		if err != nil {
			return cfg, err
		}
		set := func(name, value string, dst *string) {
			if cmd.Flags().Changed(name) {
				*dst = value
			}
		}
		set("db-driver", flags.dbDriver, &cfg.DBDriver)
		set("db", flags.dbPath, &cfg.DBPath)
		set("log-level", flags.logLevel, &cfg.LogLevel)
		set("log-format", flags.logFormat, &cfg.LogFormat)
		set("machine-id", flags.machineID, &cfg.MachineID)
		set("redis", flags.redisAddr, &cfg.RedisAddr)
		return cfg, nil
	}

	rootCmd.AddCommand(newRunCommand(load))
	rootCmd.AddCommand(newResumeCommand(load))
	rootCmd.AddCommand(newStatusCommand(load))
	rootCmd.AddCommand(newListCommand(load))
	rootCmd.AddCommand(newServeCommand(load))
	rootCmd.AddCommand(newCheckCommand(load))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// configLoader resolves the effective configuration for a command.
type configLoader func(cmd *cobra.Command) (Config, error)
