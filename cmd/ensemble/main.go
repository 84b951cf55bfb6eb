// Command ensemble is a multi-agent coding assistant.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/martinemde/ensemble/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Multi-agent coding assistant",
	Long: `ensemble routes coding requests to role-specialized agents.

Roles: orchestrator, coder, reviewer, planner, debugger, explorer.
Modes: refactor, security, performance, testing, documentation.

A request given to 'ensemble run' is classified by keyword and handed to the
matching role; 'ensemble parallel' runs several roles at once and
consolidates their answers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Logging, viper.GetBool("verbose"))
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("ENSEMBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/"+config.DefaultFile+")")
	flags.String("provider", "", "LLM provider (anthropic, openai)")
	flags.StringP("model", "m", "", "model ID or alias")
	flags.Bool("json", false, "print events and results as JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"workspace", "config", "provider", "model", "json", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(
		newRunCmd(),
		newAgentCmd(),
		newParallelCmd(),
		newClassifyCmd(),
		newModelsCmd(),
	)
}

func workspaceDir() (string, error) {
	dir, err := filepath.Abs(viper.GetString("workspace"))
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return dir, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		dir, err := workspaceDir()
		if err != nil {
			return nil, err
		}
		path = config.Path(dir)
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if p := viper.GetString("provider"); p != "" {
		c.LLM.Provider = p
	}
	if m := viper.GetString("model"); m != "" {
		c.LLM.Model = m
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func newLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if lc.JSON {
		zc = zap.NewProductionConfig()
	}
	level := zapcore.InfoLevel
	if lc.Level != "" {
		l, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
