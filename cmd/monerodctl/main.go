// Command monerodctl supervises a local monerod: it installs and updates the
// binary, runs the daemon, exposes its RPC through a gateway and serves a
// control API.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sevendeuce/monerodctl/internal/buildinfo"
	"github.com/sevendeuce/monerodctl/internal/config"
	"github.com/sevendeuce/monerodctl/internal/logging"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

type globalFlags struct {
	configPath string
	logLevel   string
	jsonOutput bool
	apiURL     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "monerodctl",
		Short:         "Install, update and supervise a local monerod",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(&flags)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.yaml (env MONERODCTL_CONFIG)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn, error or quiet")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "print JSON instead of formatted output")
	root.PersistentFlags().StringVar(&flags.apiURL, "api", "", "control API base URL (default from config)")

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(
		newRunCmd(cfgFn),
		newStartCmd(cfgFn, &flags),
		newStopCmd(cfgFn, &flags),
		newStatusCmd(cfgFn, &flags),
		newInstallCmd(cfgFn, &flags),
		newUpdateCmd(cfgFn, &flags),
		newCheckUpdateCmd(cfgFn, &flags),
		newLogsCmd(cfgFn, &flags),
		newVersionCmd(&flags),
	)
	return root
}

// loadConfig reads .env from the working directory, resolves the config path
// and applies logging settings.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	path := flags.configPath
	explicit := path != ""
	if !explicit {
		if env := strings.TrimSpace(os.Getenv("MONERODCTL_CONFIG")); env != "" {
			path, explicit = env, true
		} else {
			path = filepath.Join(config.DefaultBaseDir(), "config.yaml")
		}
	}

	cfg, err := config.LoadConfigOptional(path, !explicit)
	if err != nil {
		return nil, err
	}
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logging.SetLogLevel(level)
	env := strings.TrimSpace(os.Getenv("MONERODCTL_METRICS"))
	metrics.SetMetricsEnabled(cfg.MetricsEnabled || env == "1" || strings.EqualFold(env, "true"))
	log.WithField("config", path).Debug("configuration loaded")
	return cfg, nil
}
