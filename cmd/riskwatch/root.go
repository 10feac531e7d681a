package main

import (
	"fmt"
	"io"
	stdlog "log"
	"time"

	"github.com/akmatori/riskwatch/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootOptions struct {
	envFile string
	debug   bool
	out     io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}

	root := &cobra.Command{
		Use:           "riskwatch",
		Short:         "Risk appetite breach detection and escalation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging")

	root.AddCommand(
		newServeCommand(opts),
		newScanCommand(opts),
		newReportCommand(opts),
	)
	return root
}

// loadConfig reads the dotenv file, if any, and then the environment
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if err := godotenv.Load(o.envFile); err != nil {
		stdlog.Printf("No .env file loaded (this is fine if using environment variables): %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.debug {
		cfg.DevLog = true
	}
	return cfg, nil
}

func setupLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
