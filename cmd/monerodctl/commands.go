package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevendeuce/monerodctl/internal/api"
	"github.com/sevendeuce/monerodctl/internal/binary"
	"github.com/sevendeuce/monerodctl/internal/buildinfo"
	"github.com/sevendeuce/monerodctl/internal/config"
	"github.com/sevendeuce/monerodctl/internal/logging"
	"github.com/sevendeuce/monerodctl/internal/tui"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	var noStart bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller: start monerod, the RPC gateway and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cfg(), !noStart)
		},
	}
	cmd.Flags().BoolVar(&noStart, "no-start", false, "serve the control API without starting monerod")
	return cmd
}

func runController(cfg *config.Config, startNode bool) error {
	if cfg.LoggingToFile {
		if err := logging.ConfigureLogOutput(cfg.Paths.LogDir, cfg.LogMaxSizeMB, cfg.LogMaxBackups); err != nil {
			return err
		}
		defer logging.CloseLogOutput()
	}

	st, err := newStack(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiErr := make(chan error, 1)
	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(st.node, cfg.API.Host, cfg.API.Port)
		go func() { apiErr <- server.Start() }()
	}

	log.WithFields(log.Fields{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
	}).Info("monerodctl starting")

	if startNode {
		if err := st.node.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start node")
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-apiErr:
		if err != nil {
			log.WithError(err).Error("control api stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("control api shutdown")
		}
	}
	st.node.Stop(shutdownCtx)
	return nil
}

func newStartCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start monerod through the running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cfg(), flags).Start(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(flags, st, func() string { return tui.RenderStatus(st) })
		},
	}
}

func newStopCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop monerod",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cfg(), flags).Stop(cmd.Context())
			if errors.Is(err, tui.ErrControllerNotRunning) {
				// No controller: stop a daemon left behind by a previous run.
				local, errStack := newStack(cfg())
				if errStack != nil {
					return errStack
				}
				local.sup.Stop(cmd.Context())
				fmt.Println("stopped")
				return nil
			}
			if err != nil {
				return err
			}
			return printResult(flags, st, func() string { return tui.RenderStatus(st) })
		},
	}
}

func newStatusCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cfg(), flags).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(flags, st, func() string { return tui.RenderStatus(st) })
		},
	}
}

// streamSource starts an install or update on the controller, or in
// process when no controller is running.
type streamSource func(ctx context.Context, client *tui.Client, local *binary.Manager) (<-chan binary.Status, error)

func newInstallCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download and install monerod",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd.Context(), cfg(), flags, "Installing monerod",
				func(ctx context.Context, c *tui.Client, m *binary.Manager) (<-chan binary.Status, error) {
					if m != nil {
						return m.Install(ctx)
					}
					return c.Install(ctx)
				})
		},
	}
}

func newUpdateCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update monerod to the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd.Context(), cfg(), flags, "Updating monerod",
				func(ctx context.Context, c *tui.Client, m *binary.Manager) (<-chan binary.Status, error) {
					if m != nil {
						return m.Update(ctx)
					}
					return c.Update(ctx)
				})
		},
	}
}

func runStream(ctx context.Context, cfg *config.Config, flags *globalFlags, title string, open streamSource) error {
	client := apiClient(cfg, flags)
	ch, err := open(ctx, client, nil)
	if errors.Is(err, tui.ErrControllerNotRunning) {
		log.Debug("controller not running, operating in process")
		var manager *binary.Manager
		manager, err = binary.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		ch, err = open(ctx, client, manager)
	}
	if err != nil {
		return err
	}

	var final binary.Status
	switch {
	case flags.jsonOutput:
		enc := json.NewEncoder(os.Stdout)
		for st := range ch {
			_ = enc.Encode(st)
			final = st
		}
		if final.Kind == binary.StatusError {
			return errors.New(final.Message)
		}
		return nil
	case term.IsTerminal(int(os.Stdout.Fd())):
		final, err = tui.RunProgress(title, ch)
	default:
		final, err = tui.PlainProgress(os.Stdout, ch)
	}
	if err != nil {
		return err
	}
	if final.Version != "" {
		fmt.Printf("monerod %s %s\n", final.Version, final.Kind)
	}
	return nil
}

func newCheckUpdateCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-update",
		Short: "Compare the installed monerod with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient(cfg(), flags).CheckForUpdate(cmd.Context())
			if errors.Is(err, tui.ErrControllerNotRunning) {
				manager, errMgr := binary.NewFromConfig(cfg())
				if errMgr != nil {
					return errMgr
				}
				res, err = manager.CheckForUpdate(cmd.Context()), nil
			}
			if err != nil {
				return err
			}
			if err := printResult(flags, res, func() string { return tui.RenderUpdateCheck(res) }); err != nil {
				return err
			}
			if res.State == binary.UpdateCheckFailed {
				return errors.New(res.Message)
			}
			return nil
		},
	}
}

func newLogsCmd(cfg func() *config.Config, flags *globalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent monerod output",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiClient(cfg(), flags).Logs(cmd.Context(), lines)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(out)
			}
			for _, l := range out {
				fmt.Println(l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines")
	return cmd
}

func newVersionCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    buildinfo.Version,
				"commit":     buildinfo.Commit,
				"build_date": buildinfo.BuildDate,
			}
			return printResult(flags, info, func() string {
				return fmt.Sprintf("monerodctl %s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
			})
		},
	}
}

func printResult(flags *globalFlags, v interface{}, render func() string) error {
	if flags.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(render())
	return nil
}
