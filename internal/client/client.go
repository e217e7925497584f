// Package client is the request/response side of the forevervm API:
// machine management, HTTP exec, and the entry point for REPL sessions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/session"
	"github.com/jamsocket/forevervm/internal/stream"
	"github.com/jamsocket/forevervm/internal/wsconn"
)

const (
	// DefaultBaseURL is the hosted service.
	DefaultBaseURL = "https://api.forevervm.com"

	defaultUnaryTimeout = 30 * time.Second
	maxErrorBody        = 64 << 10
)

// Config configures New. Zero values select the defaults.
type Config struct {
	BaseURL string
	Token   string
	// HTTPClient performs every REST call. Its timeout, if any, also
	// bounds ExecResult long-polls and result streams.
	HTTPClient *http.Client
	// UnaryTimeout bounds each short request that has no earlier deadline.
	// Negative disables it.
	UnaryTimeout time.Duration
	Logger       *slog.Logger
}

// Client talks to one forevervm API endpoint. Safe for concurrent use.
type Client struct {
	baseURL      *url.URL
	token        string
	http         *http.Client
	unaryTimeout time.Duration
	logger       *slog.Logger
}

// ResponseError is a non-2xx response whose body is not an API error.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("client: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("client: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *ResponseError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// New returns a client for config.BaseURL.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: base URL %q must be http or https", config.BaseURL)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.UnaryTimeout == 0 {
		config.UnaryTimeout = defaultUnaryTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:      base,
		token:        config.Token,
		http:         config.HTTPClient,
		unaryTimeout: config.UnaryTimeout,
		logger:       config.Logger,
	}, nil
}

// BaseURL returns the API endpoint.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Whoami returns the account the token belongs to.
func (c *Client) Whoami(ctx context.Context) (protocol.WhoamiResponse, error) {
	var resp protocol.WhoamiResponse
	err := c.do(ctx, http.MethodGet, "/v1/whoami", nil, &resp, false)
	return resp, err
}

// CreateMachine starts a new machine with optional tags.
func (c *Client) CreateMachine(ctx context.Context, tags map[string]string) (protocol.MachineName, error) {
	var resp protocol.CreateMachineResponse
	if err := c.do(ctx, http.MethodPost, "/v1/machine/new", protocol.CreateMachineRequest{Tags: tags}, &resp, false); err != nil {
		return "", err
	}
	return resp.MachineName, nil
}

// ListMachines returns every machine on the account.
func (c *Client) ListMachines(ctx context.Context) ([]protocol.Machine, error) {
	var resp protocol.ListMachinesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/machine/list", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Machines, nil
}

// Exec submits instruction to machine. An empty machine name creates a
// machine first; the response's Machine field names it. With interrupt
// set, a pending or running instruction is cancelled.
func (c *Client) Exec(ctx context.Context, machine protocol.MachineName, instruction protocol.Instruction, interrupt bool) (protocol.ExecResponse, error) {
	if machine == "" {
		created, err := c.CreateMachine(ctx, nil)
		if err != nil {
			return protocol.ExecResponse{}, err
		}
		machine = created
	}

	var resp protocol.ExecResponse
	req := protocol.ExecRequest{Instruction: instruction, Interrupt: interrupt}
	if err := c.do(ctx, http.MethodPost, machinePath(machine, "exec"), req, &resp, false); err != nil {
		return protocol.ExecResponse{}, err
	}
	if resp.Machine == nil {
		resp.Machine = &machine
	}
	return resp, nil
}

// ExecResult waits for the result of instruction seq on machine.
func (c *Client) ExecResult(ctx context.Context, machine protocol.MachineName, seq protocol.InstructionSeq) (protocol.ExecResult, error) {
	var resp protocol.ExecResultResponse
	if err := c.do(ctx, http.MethodGet, machinePath(machine, "exec", seq.String(), "result"), nil, &resp, true); err != nil {
		return protocol.ExecResult{}, err
	}
	return resp.Result, nil
}

// StreamResult opens the NDJSON stream of instruction seq. The stream
// yields its output messages followed by one result message. Close it when
// done.
func (c *Client) StreamResult(ctx context.Context, machine protocol.MachineName, seq protocol.InstructionSeq) (*ResultStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, machinePath(machine, "exec", seq.String(), "stream-result"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("Accept-Encoding", stream.AcceptEncoding)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: stream result: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	body, err := stream.DecodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("client: stream result: %w", err)
	}
	return &ResultStream{body: body, decoder: stream.NewDecoder(body)}, nil
}

// Repl opens a REPL session on machine. An empty name asks the server for
// a new machine; Session.MachineName reports which one it chose. An empty
// options.Token uses the client's token.
func (c *Client) Repl(ctx context.Context, machine protocol.MachineName, options session.Options) (*session.Session, error) {
	rawURL, err := c.ReplURL(machine)
	if err != nil {
		return nil, err
	}
	if options.Token == "" {
		options.Token = c.token
	}
	if options.Logger == nil {
		options.Logger = c.logger
	}
	return session.Connect(ctx, rawURL, options)
}

// ReplURL returns the websocket URL of machine's REPL.
func (c *Client) ReplURL(machine protocol.MachineName) (string, error) {
	if machine == "" {
		machine = protocol.NewMachine
	}
	u, err := wsconn.HTTPToWebSocketURL(c.baseURL)
	if err != nil {
		return "", err
	}
	return u.JoinPath(machinePath(machine, "repl")).String(), nil
}

func machinePath(machine protocol.MachineName, parts ...string) string {
	return "/v1/machine/" + url.PathEscape(machine.String()) + "/" + strings.Join(parts, "/")
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode request body: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(wsconn.SDKHeader, wsconn.SDKName)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends one JSON request and decodes the response into out. Long-lived
// requests skip the unary timeout.
func (c *Client) do(ctx context.Context, method, path string, body, out any, longLived bool) error {
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(started))

	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

// responseError turns a failed response into *protocol.APIError when the
// body carries an error code, and *ResponseError otherwise.
func responseError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr protocol.APIError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Code != "" {
		return &apiErr
	}
	return &ResponseError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
}
