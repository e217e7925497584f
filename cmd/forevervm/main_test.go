package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jamsocket/forevervm/internal/config"
	"github.com/jamsocket/forevervm/internal/mockserver"
	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/wsconn"
)

const testToken = "id.secret"

type testCLI struct {
	t          *testing.T
	app        *app
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
	configPath string
	baseURL    string
}

// newTestCLI starts a mock service and returns a CLI whose config file
// points at it.
func newTestCLI(t *testing.T, loggedIn bool) *testCLI {
	t.Helper()

	registry := mockserver.NewRegistry(0, nil)
	srv := mockserver.New(registry, mockserver.Config{
		Token:  testToken,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DisconnectAll()
		registry.Shutdown()
		ts.Close()
	})

	configPath := filepath.Join(t.TempDir(), "config.json")
	if loggedIn {
		if err := config.Save(configPath, config.Config{Token: testToken, ServerURL: ts.URL}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	return &testCLI{
		t: t,
		app: &app{
			stdin:  strings.NewReader(""),
			stdout: stdout,
			stderr: stderr,
			getenv: func(string) string { return "" },
		},
		stdout:     stdout,
		stderr:     stderr,
		configPath: configPath,
		baseURL:    ts.URL,
	}
}

func (c *testCLI) run(stdin string, args ...string) error {
	c.t.Helper()
	c.stdout.Reset()
	c.stderr.Reset()
	c.app.stdin = strings.NewReader(stdin)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := newRootCmd(c.app)
	root.SetArgs(append([]string{"--config", c.configPath, "--log-level", "error"}, args...))
	return root.ExecuteContext(ctx)
}

func TestMachineNewAndList(t *testing.T) {
	cli := newTestCLI(t, true)

	if err := cli.run("", "machine", "new", "--tag", "env=ci", "--tag", "team=infra"); err != nil {
		t.Fatalf("machine new: %v", err)
	}
	if !strings.Contains(cli.stdout.String(), "Created machine m-") {
		t.Errorf("unexpected output %q", cli.stdout.String())
	}

	if err := cli.run("", "machine", "list", "-o", "json"); err != nil {
		t.Fatalf("machine list: %v", err)
	}
	var machines []machineView
	if err := json.Unmarshal(cli.stdout.Bytes(), &machines); err != nil {
		t.Fatalf("decode %q: %v", cli.stdout.String(), err)
	}
	if len(machines) != 1 || machines[0].Tags["env"] != "ci" || machines[0].Tags["team"] != "infra" {
		t.Errorf("unexpected machines %+v", machines)
	}

	if err := cli.run("", "machine", "list", "-o", "yaml"); err != nil {
		t.Fatalf("machine list yaml: %v", err)
	}
	if !strings.Contains(cli.stdout.String(), "name: "+machines[0].Name) {
		t.Errorf("unexpected yaml %q", cli.stdout.String())
	}

	if err := cli.run("", "machine", "list"); err != nil {
		t.Fatalf("machine list text: %v", err)
	}
	for _, want := range []string{machines[0].Name, "Expires: never", "Status:  idle", "env=ci, team=infra"} {
		if !strings.Contains(cli.stdout.String(), want) {
			t.Errorf("expected %q in %q", want, cli.stdout.String())
		}
	}

	if err := cli.run("", "machine", "list", "-o", "xml"); err == nil {
		t.Error("expected error for unknown output format")
	}
}

func TestExec(t *testing.T) {
	cli := newTestCLI(t, true)

	if err := cli.run("", "exec", "print(1)\neprint(2)\n2 + 3"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if cli.stdout.String() != "1\n2\n5\n" {
		t.Errorf("unexpected stdout %q", cli.stdout.String())
	}
	if !strings.Contains(cli.stderr.String(), "Created machine") {
		t.Errorf("expected created machine notice, got %q", cli.stderr.String())
	}
}

func TestExec_FromStdinOnNamedMachine(t *testing.T) {
	cli := newTestCLI(t, true)

	if err := cli.run("", "machine", "new"); err != nil {
		t.Fatalf("machine new: %v", err)
	}
	name := strings.TrimSpace(strings.TrimPrefix(cli.stdout.String(), "Created machine "))

	err := cli.run("raise KeyError\n", "exec", "-", "--machine", name)
	if !errors.Is(err, errInstructionFailed) {
		t.Fatalf("expected errInstructionFailed, got %v", err)
	}
	if !strings.Contains(cli.stdout.String(), "Error: KeyError") {
		t.Errorf("unexpected stdout %q", cli.stdout.String())
	}
	if strings.Contains(cli.stderr.String(), "Created machine") {
		t.Error("did not expect a machine to be created")
	}
}

func TestRepl(t *testing.T) {
	cli := newTestCLI(t, true)

	if err := cli.run("print('hi')\n\n1 + 1\nraise NameError\n", "repl"); err != nil {
		t.Fatalf("repl: %v", err)
	}
	out := cli.stdout.String()
	for _, want := range []string{"Connected to m-", "hi\nNone\n", "2\n", "Error: NameError"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestMachineRepl_UnknownMachine(t *testing.T) {
	cli := newTestCLI(t, true)

	err := cli.run("", "machine", "repl", "missing")
	var handshakeErr *wsconn.HandshakeError
	if !errors.As(err, &handshakeErr) || handshakeErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 handshake error, got %v", err)
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	cli := newTestCLI(t, false)

	if err := cli.run("", "whoami"); !errors.Is(err, config.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}

	if err := cli.run(testToken+"\n", "login", "--api-base-url", cli.baseURL); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(cli.stdout.String(), "Logged in as mock") {
		t.Errorf("unexpected login output %q", cli.stdout.String())
	}
	saved, _ := config.Load(cli.configPath)
	if saved.Token != testToken || saved.ServerURL != cli.baseURL {
		t.Errorf("unexpected saved config %+v", saved)
	}

	if err := cli.run("", "login", "--api-base-url", cli.baseURL); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if !strings.Contains(cli.stdout.String(), "Already logged in as mock") {
		t.Errorf("unexpected second login output %q", cli.stdout.String())
	}

	if err := cli.run("", "whoami"); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(cli.stdout.String(), fmt.Sprintf("Logged in to %s as mock", cli.baseURL)) {
		t.Errorf("unexpected whoami output %q", cli.stdout.String())
	}

	if err := cli.run("", "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := cli.run("", "logout"); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if !strings.Contains(cli.stdout.String(), "Not currently logged in") {
		t.Errorf("unexpected logout output %q", cli.stdout.String())
	}
}

func TestLogin_RejectedToken(t *testing.T) {
	cli := newTestCLI(t, false)

	err := cli.run("wrong.token\n", "login", "--api-base-url", cli.baseURL)
	if !protocol.IsAPIError(err, "Unauthorized") {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	saved, _ := config.Load(cli.configPath)
	if saved.Token != "" {
		t.Errorf("rejected token was saved: %+v", saved)
	}

	if err := cli.run("not-a-token\n", "login", "--api-base-url", cli.baseURL); !errors.Is(err, protocol.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	cli := newTestCLI(t, false)
	cli.app.getenv = func(key string) string {
		switch key {
		case config.EnvToken:
			return testToken
		case config.EnvBaseURL:
			return cli.baseURL
		}
		return ""
	}

	if err := cli.run("", "whoami"); err != nil {
		t.Fatalf("whoami: %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&wsconn.HandshakeError{StatusCode: http.StatusServiceUnavailable}, true},
		{&wsconn.HandshakeError{StatusCode: http.StatusTooManyRequests}, true},
		{&wsconn.HandshakeError{StatusCode: http.StatusUnauthorized}, false},
		{fmt.Errorf("wrapped: %w", &wsconn.HandshakeError{StatusCode: http.StatusNotFound}), false},
		{config.ErrNotLoggedIn, false},
		{errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("loud", io.Discard); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := newLogger("debug", io.Discard); err != nil {
		t.Errorf("newLogger(debug): %v", err)
	}
}
