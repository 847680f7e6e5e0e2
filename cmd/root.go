// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/observability"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// newRootCmd builds the command tree. Each call returns an independent tree
// so tests can execute commands in isolation.
func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "scriptlets",
		Short:         "Runs pages with ad-blocking scriptlets installed and records what they intercept.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 1. Initialize configuration loading (Viper)
			v, err := initializeConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Unmarshal the configuration
			var cfg config.Config
			if err := v.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("failed to unmarshal config: %w", err)
			}

			// 3. Validate the configuration
			if err := cfg.Validate(); err != nil {
				observability.InitializeLogger(cfg.Logger)
				return fmt.Errorf("invalid configuration: %w", err)
			}

			// 4. Store the configuration globally
			config.Set(&cfg)

			// 5. Initialize the logger
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting scriptlets", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCDPCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree. ctx is canceled on interrupt by main.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Interrupts are not failures.
		if ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file, if any, on top of the defaults and
// SCRIPTLETS_* environment variables.
func initializeConfig(cfgFile string) (*viper.Viper, error) {
	v := config.NewViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; an explicit one must exist.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}
