// Package mockserver is an in-process stand-in for the forevervm API. It
// serves the machine REST endpoints, the NDJSON stream-result endpoint,
// and the REPL websocket, backed by a Registry and a toy Evaluator.
package mockserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/wsconn"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufCap    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config configures a Server.
type Config struct {
	// Token is the accepted bearer token. Empty accepts any token.
	Token string
	// Account is reported by whoami.
	Account string
	Logger  *slog.Logger
}

// Server routes REST and websocket traffic to the registry.
type Server struct {
	registry *Registry
	config   Config
	logger   *slog.Logger

	clientsMu sync.Mutex
	clients   map[*client]bool
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	machine protocol.MachineName
	server  *Server
	logger  *slog.Logger
}

// New creates a server backed by registry.
func New(registry *Registry, config Config) *Server {
	if config.Account == "" {
		config.Account = "mock"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		registry: registry,
		config:   config,
		logger:   config.Logger,
		clients:  make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/machine/{name}/repl", s.handleRepl)

	mux.HandleFunc("GET /v1/whoami", s.handleWhoami)
	mux.HandleFunc("POST /v1/machine/new", s.handleCreateMachine)
	mux.HandleFunc("GET /v1/machine/list", s.handleListMachines)
	mux.HandleFunc("POST /v1/machine/{name}/exec", s.handleExec)
	mux.HandleFunc("GET /v1/machine/{name}/exec/{seq}/result", s.handleExecResult)
	mux.HandleFunc("GET /v1/machine/{name}/exec/{seq}/stream-result", s.handleStreamResult)

	return s.authMiddleware(mux)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || (s.config.Token != "" && token != s.config.Token) {
			writeAPIError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "sdk", r.Header.Get(wsconn.SDKHeader))
		next.ServeHTTP(w, r)
	})
}

// handleRepl upgrades to the REPL socket. The machine name "new" creates
// a machine for the connection.
func (s *Server) handleRepl(w http.ResponseWriter, r *http.Request) {
	name := protocol.MachineName(r.PathValue("name"))
	created := false
	if name == protocol.NewMachine {
		var err error
		name, err = s.registry.Create(nil)
		if err != nil {
			writeAPIError(w, http.StatusTooManyRequests, "MachineLimitReached")
			return
		}
		created = true
	} else if !s.registry.Exists(name) {
		writeAPIError(w, http.StatusNotFound, "MachineNotFound")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBufCap),
		done:    make(chan struct{}),
		machine: name,
		server:  s,
		logger:  s.logger.With("machine", name.String()),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	c.enqueue(protocol.ConnectedMessage{MachineName: name})
	if created {
		c.enqueue(protocol.LogMessage{Message: "created machine " + name.String(), Level: protocol.LevelInfo})
	}

	go c.writePump()
	go c.readPump()
}

// enqueue encodes msg and queues it for the write pump. It gives up once
// the client is gone.
func (c *client) enqueue(msg protocol.ServerMessage) {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		c.logger.Error("encode server message", "type", msg.MessageType(), "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// readPump reads exec frames from the websocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		exec, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			c.logger.Warn("invalid client message", "error", err)
			c.enqueue(protocol.LogMessage{Message: "invalid message: " + err.Error(), Level: protocol.LevelError})
			continue
		}
		c.handleExec(exec)
	}
}

func (c *client) handleExec(exec protocol.ExecMessage) {
	seq, _, err := c.server.registry.Exec(c.machine, exec.Instruction, false)
	if err != nil {
		code := "InternalError"
		if errors.Is(err, errMachineBusy) {
			code = "MachineBusy"
		} else if errors.Is(err, errMachineNotFound) {
			code = "MachineNotFound"
		}
		c.enqueue(protocol.ErrorMessage{APIError: newAPIError(code)})
		return
	}

	c.enqueue(protocol.ExecReceivedMessage{Seq: seq, RequestID: exec.RequestID})

	history, ch, unsubscribe, err := c.server.registry.Subscribe(c.machine, seq)
	if err != nil {
		c.logger.Error("subscribe to instruction", "instruction_seq", seq.String(), "error", err)
		return
	}

	go func() {
		defer unsubscribe()
		for _, msg := range history {
			c.enqueue(msg)
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.enqueue(msg)
			case <-c.done:
				return
			}
		}
	}()
}

// writePump writes queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if s.clients[c] {
		delete(s.clients, c)
		close(c.done)
	}
}

// DisconnectAll closes every REPL socket with a normal close frame.
func (s *Server) DisconnectAll() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for c := range s.clients {
		delete(s.clients, c)
		close(c.done)
	}
}

func newAPIError(code string) protocol.APIError {
	id := uuid.New().String()
	return protocol.APIError{Code: code, ID: &id}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code string) {
	apiErr := newAPIError(code)
	writeJSON(w, status, &apiErr)
}
