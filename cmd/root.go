package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"example.com/backstage/services/powerwatch/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
	cfg      *config.Config
	logger   *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "powerwatch",
	Short:         "Backup power field service: event intake, device registry and maintenance advice.",
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// variables already set in the environment take precedence
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("env file %s: %w", envFile, err)
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}

		logger, err = newLogger(loaded.Log)
		if err != nil {
			return err
		}
		loaded.Logger = logger
		cfg = loaded
		return nil
	},
}

// newLogger writes JSON to stdout unless the config asks for text.
func newLogger(lc config.LogConfig) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	switch strings.ToLower(lc.Format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}

	level := logrus.InfoLevel
	if lc.Level != "" {
		parsed, err := logrus.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)
	return l, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "powerwatch: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "config/config.yaml", "path to the YAML config")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config when present")
	flags.StringVar(&logLevel, "log-level", "", "override log.level from the config")
}
