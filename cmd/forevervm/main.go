// Command forevervm is the command-line client for forevervm: log in,
// manage machines, run code, and open an interactive REPL.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jamsocket/forevervm/internal/client"
	"github.com/jamsocket/forevervm/internal/config"
)

// app carries what every command needs: the standard streams, the
// environment, and the parsed persistent flags.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	configPath string
	logLevel   string
	logger     *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
	}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "forevervm",
		Short:         "Run code on persistent forevervm machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(a.logLevel, a.stderr)
			if err != nil {
				return err
			}
			a.logger = logger
			if a.configPath == "" {
				path, err := config.DefaultPath()
				if err != nil {
					return err
				}
				a.configPath = path
			}
			return nil
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/forevervm/config.json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newMachineCmd(a),
		newReplCmd(a),
		newExecCmd(a),
	)
	return root
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}

	options := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if isTerminal(w) {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler), nil
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// loadConfig reads the config file with environment overrides applied.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	return cfg.WithEnv(a.getenv), nil
}

// newClient builds an API client from cfg. It fails when no token is set.
func (a *app) newClient(cfg config.Config) (*client.Client, error) {
	token, err := cfg.APIToken()
	if err != nil {
		return nil, fmt.Errorf("%w (run 'forevervm login' or set %s)", err, config.EnvToken)
	}
	return client.New(client.Config{
		BaseURL: cfg.ServerURL,
		Token:   token.String(),
		Logger:  a.logger,
	})
}

// loggedInClient loads the config and builds a client from it.
func (a *app) loggedInClient() (*client.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return a.newClient(cfg)
}
