package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jamsocket/forevervm/internal/mockserver"
	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/session"
	"github.com/jamsocket/forevervm/internal/wsconn"
)

const testToken = "id.secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMockAPI starts a mock forevervm service and a client pointed at it.
func newMockAPI(t *testing.T) *Client {
	t.Helper()

	registry := mockserver.NewRegistry(0, nil)
	srv := mockserver.New(registry, mockserver.Config{Token: testToken, Logger: quietLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DisconnectAll()
		registry.Shutdown()
		ts.Close()
	})

	c, err := New(Config{BaseURL: ts.URL, Token: testToken, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("expected %s, got %s", DefaultBaseURL, c.BaseURL())
	}

	if _, err := New(Config{BaseURL: "ftp://example.com"}); err == nil {
		t.Error("expected error for non-http base URL")
	}
}

func TestReplURL(t *testing.T) {
	tests := []struct {
		base    string
		machine protocol.MachineName
		want    string
	}{
		{"https://api.forevervm.com", "m1", "wss://api.forevervm.com/v1/machine/m1/repl"},
		{"http://localhost:8080/", "", "ws://localhost:8080/v1/machine/new/repl"},
		{"https://example.com/api", "abc", "wss://example.com/api/v1/machine/abc/repl"},
	}

	for _, tt := range tests {
		c, err := New(Config{BaseURL: tt.base})
		if err != nil {
			t.Fatalf("New(%s): %v", tt.base, err)
		}
		got, err := c.ReplURL(tt.machine)
		if err != nil {
			t.Fatalf("ReplURL: %v", err)
		}
		if got != tt.want {
			t.Errorf("ReplURL(%q) on %s = %s, want %s", tt.machine, tt.base, got, tt.want)
		}
	}
}

func TestClient_RequestHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"account":"acme"}`))
	}))
	defer ts.Close()

	c, _ := New(Config{BaseURL: ts.URL, Token: testToken, Logger: quietLogger()})
	resp, err := c.Whoami(testContext(t))
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if resp.Account != "acme" {
		t.Errorf("expected account acme, got %q", resp.Account)
	}
	if got.Get("Authorization") != "Bearer "+testToken {
		t.Errorf("unexpected Authorization %q", got.Get("Authorization"))
	}
	if got.Get(wsconn.SDKHeader) != "go" {
		t.Errorf("unexpected SDK header %q", got.Get(wsconn.SDKHeader))
	}
}

func TestClient_Machines(t *testing.T) {
	c := newMockAPI(t)
	ctx := testContext(t)

	name, err := c.CreateMachine(ctx, map[string]string{"owner": "tests"})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}

	machines, err := c.ListMachines(ctx)
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 1 || machines[0].Name != name {
		t.Fatalf("expected [%s], got %+v", name, machines)
	}
	if machines[0].Tags["owner"] != "tests" {
		t.Errorf("expected tag owner=tests, got %v", machines[0].Tags)
	}

	who, err := c.Whoami(ctx)
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if who.Account == "" {
		t.Error("expected an account name")
	}
}

func TestClient_ExecCreatesMachine(t *testing.T) {
	c := newMockAPI(t)
	ctx := testContext(t)

	resp, err := c.Exec(ctx, "", protocol.NewInstruction("40 + 2"), false)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if resp.Machine == nil || *resp.Machine == "" {
		t.Fatal("expected the created machine name")
	}
	if resp.InstructionSeq == nil {
		t.Fatal("expected an instruction seq")
	}

	result, err := c.ExecResult(ctx, *resp.Machine, *resp.InstructionSeq)
	if err != nil {
		t.Fatalf("ExecResult: %v", err)
	}
	if result.Value == nil || *result.Value != "42" {
		t.Errorf("expected value 42, got %+v", result)
	}
}

func TestClient_StreamResult(t *testing.T) {
	c := newMockAPI(t)
	ctx := testContext(t)

	machine, _ := c.CreateMachine(ctx, nil)
	resp, err := c.Exec(ctx, machine, protocol.NewInstruction("print('a')\neprint('b')\nraise ValueError"), false)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}

	rs, err := c.StreamResult(ctx, machine, *resp.InstructionSeq)
	if err != nil {
		t.Fatalf("StreamResult: %v", err)
	}
	defer rs.Close()

	var chunks []protocol.StandardOutput
	result, err := rs.Wait(func(chunk protocol.StandardOutput) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ErrorMessage() != "ValueError" {
		t.Errorf("expected ValueError, got %+v", result)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %+v", chunks)
	}
	if chunks[0].Stream != protocol.Stdout || chunks[0].Data != "a\n" || chunks[0].Seq != 0 {
		t.Errorf("unexpected first chunk %+v", chunks[0])
	}
	if chunks[1].Stream != protocol.Stderr || chunks[1].Data != "b\n" || chunks[1].Seq != 1 {
		t.Errorf("unexpected second chunk %+v", chunks[1])
	}
}

func TestClient_StreamResultEndsWithoutResult(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{\"type\":\"output\",\"instruction_id\":0,\"chunk\":{\"stream\":\"stdout\",\"data\":\"x\",\"seq\":0}}\nnot json\n"))
	}))
	defer ts.Close()

	c, _ := New(Config{BaseURL: ts.URL, Logger: quietLogger()})
	rs, err := c.StreamResult(testContext(t), "m1", 0)
	if err != nil {
		t.Fatalf("StreamResult: %v", err)
	}
	defer rs.Close()

	outputs := 0
	if _, err := rs.Wait(func(protocol.StandardOutput) { outputs++ }); !errors.Is(err, ErrNoResult) {
		t.Errorf("expected ErrNoResult, got %v", err)
	}
	if outputs != 1 {
		t.Errorf("expected 1 output, got %d", outputs)
	}
}

func TestClient_APIErrors(t *testing.T) {
	c := newMockAPI(t)
	ctx := testContext(t)

	_, err := c.Exec(ctx, "missing", protocol.NewInstruction("1"), false)
	if !protocol.IsAPIError(err, "MachineNotFound") {
		t.Errorf("expected MachineNotFound, got %v", err)
	}

	_, err = c.ExecResult(ctx, "missing", 0)
	if !protocol.IsAPIError(err, "InstructionNotFound") {
		t.Errorf("expected InstructionNotFound, got %v", err)
	}

	unauthorized, _ := New(Config{BaseURL: c.BaseURL(), Token: "wrong.token", Logger: quietLogger()})
	_, err = unauthorized.Whoami(ctx)
	var apiErr *protocol.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "Unauthorized" || apiErr.ID == nil {
		t.Errorf("expected Unauthorized with an id, got %v", err)
	}
}

func TestClient_ResponseError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer ts.Close()

	c, _ := New(Config{BaseURL: ts.URL, Logger: quietLogger()})
	_, err := c.ListMachines(testContext(t))

	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected *ResponseError, got %T: %v", err, err)
	}
	if respErr.StatusCode != http.StatusBadGateway || respErr.Body != "upstream unavailable" {
		t.Errorf("unexpected response error %+v", respErr)
	}
	if !respErr.Retryable() {
		t.Error("expected 502 to be retryable")
	}
	if (&ResponseError{StatusCode: http.StatusBadRequest}).Retryable() {
		t.Error("expected 400 not to be retryable")
	}
}

func TestClient_UnaryTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c, _ := New(Config{BaseURL: ts.URL, UnaryTimeout: 50 * time.Millisecond, Logger: quietLogger()})
	_, err := c.Whoami(testContext(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_Repl(t *testing.T) {
	c := newMockAPI(t)
	ctx := testContext(t)

	s, err := c.Repl(ctx, "", session.Options{})
	if err != nil {
		t.Fatalf("Repl: %v", err)
	}
	defer s.Close()

	if s.MachineName() == "" {
		t.Fatal("expected the server to name a machine")
	}

	handle, err := s.Exec(ctx, "print('hello')\n2 + 3")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}

	var output strings.Builder
	for chunk, err := range handle.Output(ctx) {
		if err != nil {
			t.Fatalf("output: %v", err)
		}
		output.WriteString(chunk.Data)
	}
	if output.String() != "hello\n" {
		t.Errorf("expected output hello, got %q", output.String())
	}

	result, err := handle.Result(ctx)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Value == nil || *result.Value != "5" {
		t.Errorf("expected value 5, got %+v", result)
	}

	// The machine keeps state between sessions, so a second session on the
	// same name continues its instruction sequence.
	again, err := c.Repl(ctx, s.MachineName(), session.Options{})
	if err != nil {
		t.Fatalf("second Repl: %v", err)
	}
	defer again.Close()

	handle, err = again.Exec(ctx, "1")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if handle.InstructionSeq() != 1 {
		t.Errorf("expected instruction seq 1, got %d", handle.InstructionSeq())
	}
}

func TestClient_ReplUnknownMachine(t *testing.T) {
	c := newMockAPI(t)

	_, err := c.Repl(testContext(t), "missing", session.Options{})
	var handshakeErr *wsconn.HandshakeError
	if !errors.As(err, &handshakeErr) || handshakeErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 handshake error, got %v", err)
	}
}
