package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jamsocket/forevervm/internal/config"
	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/session"
	"github.com/jamsocket/forevervm/internal/wsconn"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 10 * time.Second
	resultSlack    = 10 * time.Second
)

type replOptions struct {
	timeoutSeconds int32
	maxReconnects  int
}

func newReplCmd(a *app) *cobra.Command {
	opts := replOptions{}

	cmd := &cobra.Command{
		Use:   "repl [machine]",
		Short: "Open an interactive REPL, on a new machine unless one is named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var machine protocol.MachineName
			if len(args) == 1 {
				machine = protocol.MachineName(args[0])
			}
			return a.runRepl(cmd.Context(), machine, opts)
		},
	}

	cmd.Flags().Int32Var(&opts.timeoutSeconds, "instruction-timeout-seconds", protocol.DefaultInstructionTimeoutSeconds, "server-side time limit for each instruction")
	cmd.Flags().IntVar(&opts.maxReconnects, "max-reconnects", 5, "connection attempts after the socket drops")
	return cmd
}

// repl is one interactive session. The socket is replaced when it drops;
// the machine, and so the interpreter state, stays the same.
type repl struct {
	app     *app
	opts    replOptions
	machine protocol.MachineName
	out     io.Writer

	mu      sync.Mutex
	cfg     config.Config
	session *session.Session
}

func (a *app) runRepl(ctx context.Context, machine protocol.MachineName, opts replOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if _, err := a.newClient(cfg); err != nil {
		return err
	}

	r := &repl{app: a, opts: opts, machine: machine, cfg: cfg}

	watcher, err := config.Watch(a.configPath, r.onConfigChange, config.WatchOptions{Logger: a.logger})
	if err != nil {
		a.logger.Warn("config reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	lines, out, restore, err := a.openLineReader()
	if err != nil {
		return err
	}
	defer restore()
	r.out = out

	if err := r.connect(ctx); err != nil {
		return err
	}
	defer func() { r.current().Close() }()

	fmt.Fprintf(out, "Connected to %s\n", nameStyle.Render(r.machine.String()))

	for {
		line, err := lines.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		if err := r.run(ctx, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// onConfigChange keeps the newest credentials for the next connection.
// The open socket keeps the token it was opened with.
func (r *repl) onConfigChange(cfg config.Config) {
	cfg = cfg.WithEnv(r.app.getenv)

	r.mu.Lock()
	changed := cfg.Token != r.cfg.Token
	r.cfg = cfg
	r.mu.Unlock()

	if changed {
		r.app.logger.Info("config reloaded, new token applies on reconnect")
	}
}

func (r *repl) current() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *repl) connect(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	c, err := r.app.newClient(cfg)
	if err != nil {
		return err
	}
	s, err := c.Repl(ctx, r.machine, session.Options{
		ResultTimeoutSlack: resultSlack,
		Logger:             r.app.logger,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.session = s
	r.machine = s.MachineName()
	r.mu.Unlock()
	return nil
}

// reconnect replaces a dropped socket, backing off exponentially between
// attempts.
func (r *repl) reconnect(ctx context.Context) error {
	if old := r.current(); old != nil {
		old.Close()
	}
	fmt.Fprintln(r.out, noticeStyle.Render("Connection lost, reconnecting to "+r.machine.String()))

	delay := initialBackoff
	for attempt := 1; ; attempt++ {
		err := r.connect(ctx)
		if err == nil {
			fmt.Fprintln(r.out, noticeStyle.Render("Reconnected"))
			return nil
		}
		if attempt >= r.opts.maxReconnects || !retryable(err) {
			return fmt.Errorf("reconnect to %s: %w", r.machine, err)
		}
		r.app.logger.Warn("reconnect failed", "attempt", attempt, "retry_in", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, maxBackoff)
	}
}

// retryable reports whether a failed connection attempt is worth
// repeating. A rejected handshake is final unless the server asked the
// client to slow down.
func retryable(err error) bool {
	var handshakeErr *wsconn.HandshakeError
	if errors.As(err, &handshakeErr) {
		return handshakeErr.StatusCode == http.StatusTooManyRequests || handshakeErr.StatusCode >= 500
	}
	return !errors.Is(err, config.ErrNotLoggedIn)
}

// run executes one line and prints its output and result. Only a failed
// reconnect is returned; instruction errors are printed.
func (r *repl) run(ctx context.Context, line string) error {
	s := r.current()
	select {
	case <-s.Done():
		if err := r.reconnect(ctx); err != nil {
			return err
		}
		s = r.current()
	default:
	}

	handle, err := s.Execute(ctx, protocol.Instruction{Code: line, TimeoutSeconds: r.opts.timeoutSeconds})
	if err != nil {
		return r.report(ctx, err)
	}

	for chunk, err := range handle.Output(ctx) {
		if err != nil {
			break
		}
		printChunk(r.out, chunk)
	}
	if dropped := handle.Dropped(); dropped > 0 {
		fmt.Fprintln(r.out, noticeStyle.Render(fmt.Sprintf("(%d output chunks dropped)", dropped)))
	}

	result, err := handle.Result(ctx)
	if err != nil {
		return r.report(ctx, err)
	}
	printResult(r.out, result)
	return nil
}

// report prints an execution failure and reconnects if the socket is gone.
func (r *repl) report(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	fmt.Fprintln(r.out, errorStyle.Render("Error: ")+err.Error())
	if errors.Is(err, session.ErrInstructionInterrupted) {
		return r.reconnect(ctx)
	}
	return nil
}

type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func (r scannerReader) ReadLine() (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// openLineReader returns a line editor with a ">>> " prompt when stdin and
// stdout are a terminal, and a plain line scanner otherwise. Output must go
// to the returned writer while the editor is active. Ctrl-D ends input.
func (a *app) openLineReader() (lineReader, io.Writer, func(), error) {
	in, inOK := a.stdin.(*os.File)
	out, outOK := a.stdout.(*os.File)
	if !inOK || !outOK || !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return scannerReader{scanner: bufio.NewScanner(a.stdin)}, a.stdout, func() {}, nil
	}

	state, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("terminal raw mode: %w", err)
	}
	terminal := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, ">>> ")
	if width, height, err := term.GetSize(int(out.Fd())); err == nil {
		terminal.SetSize(width, height)
	}
	restore := func() { term.Restore(int(in.Fd()), state) }
	return terminal, terminal, restore, nil
}
