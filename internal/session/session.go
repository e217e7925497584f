// Package session runs the correlation protocol of a forevervm REPL socket.
//
// A Session owns one websocket to one machine. Execute sends an exec frame
// tagged with a fresh request sequence and waits for the matching
// exec_received; the returned ExecHandle then yields the instruction's
// output and its result. A background receive loop dispatches every server
// frame against a single state value guarded by a mutex. At most one
// instruction is in flight per session; Execute returns ErrBusy otherwise.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/wsconn"
)

// Options configures Connect.
type Options struct {
	// Token is the bearer credential sent with the upgrade request.
	Token string

	// OutputBuffer is the number of output chunks held for a reader that
	// lags. Zero means 50.
	OutputBuffer int

	// ResultTimeoutSlack, when positive, bounds the wait for a result at
	// the instruction's timeout_seconds plus this slack, counted from
	// exec_received. On expiry the handle's output and Result fail with
	// ErrResultTimeout and the session accepts the next instruction. Zero
	// leaves the wait to the caller's context.
	ResultTimeoutSlack time.Duration

	// Dial carries transport settings. Its Token and Logger are
	// overwritten from this struct.
	Dial wsconn.Options

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.OutputBuffer <= 0 {
		o.OutputBuffer = defaultOutputCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is one connected REPL socket. All methods are safe for
// concurrent use.
type Session struct {
	id       string
	machine  protocol.MachineName
	options  Options
	logger   *slog.Logger
	sender   *wsconn.Sender[protocol.ExecMessage]
	receiver *wsconn.Receiver[protocol.ServerMessage]

	nextRequest atomic.Uint32

	mu     sync.Mutex
	state  connState
	closed bool
	err    error

	done chan struct{}
}

type firstFrame struct {
	msg protocol.ServerMessage
	err error
}

// Connect dials rawURL, waits for the server's connected message, and
// starts the receive loop.
func Connect(ctx context.Context, rawURL string, options Options) (*Session, error) {
	options = options.withDefaults()

	dialOptions := options.Dial
	dialOptions.Token = options.Token
	dialOptions.Logger = options.Logger

	sender, receiver, err := wsconn.Dial[protocol.ExecMessage](ctx, rawURL, dialOptions, protocol.DecodeServerMessage)
	if err != nil {
		return nil, fmt.Errorf("session: connect: %w", err)
	}

	// Recv has no context; closing the socket unblocks it.
	first := make(chan firstFrame, 1)
	go func() {
		msg, err := receiver.Recv()
		first <- firstFrame{msg: msg, err: err}
	}()

	var frame firstFrame
	select {
	case frame = <-first:
	case <-ctx.Done():
		sender.Close()
		return nil, fmt.Errorf("session: waiting for connected message: %w", ctx.Err())
	}

	if frame.err != nil {
		sender.Close()
		return nil, fmt.Errorf("session: waiting for connected message: %w", frame.err)
	}

	connected, ok := frame.msg.(protocol.ConnectedMessage)
	if !ok {
		sender.Close()
		if errMsg, isErr := frame.msg.(protocol.ErrorMessage); isErr {
			apiErr := errMsg.APIError
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedFirstMessage, &apiErr)
		}
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedFirstMessage, frame.msg.MessageType())
	}

	id := uuid.New().String()
	s := &Session{
		id:       id,
		machine:  connected.MachineName,
		options:  options,
		logger:   options.Logger.With("session_id", id, "machine", connected.MachineName.String()),
		sender:   sender,
		receiver: receiver,
		state:    idleState{},
		done:     make(chan struct{}),
	}
	s.logger.Info("session connected")

	go s.receiveLoop()
	return s, nil
}

// ID is a locally generated identifier used in log lines.
func (s *Session) ID() string { return s.id }

// MachineName is the machine the server bound this session to.
func (s *Session) MachineName() protocol.MachineName { return s.machine }

// Done is closed when the receive loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended: nil while it runs or after Close, the
// transport error otherwise. A server-side close wraps io.EOF.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Exec runs code with the default instruction timeout.
func (s *Session) Exec(ctx context.Context, code string) (*ExecHandle, error) {
	return s.Execute(ctx, protocol.NewInstruction(code))
}

// Execute sends instruction and waits for the server to accept it. The
// wait ends early if ctx is done or the session ends; the latter matches
// ErrInstructionInterrupted.
func (s *Session) Execute(ctx context.Context, instruction protocol.Instruction) (*ExecHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state.busy() {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	pending := &awaitingInstructionSeq{
		requestSeq: protocol.RequestSeq(s.nextRequest.Add(1) - 1),
		timeout:    s.resultTimeout(instruction),
		handle:     newOneshot[*ExecHandle](),
	}
	// Installed before sending so an acknowledgement that beats Send
	// returning still finds its state.
	s.state = pending
	s.mu.Unlock()

	msg := protocol.ExecMessage{Instruction: instruction, RequestID: pending.requestSeq}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.abandon(pending)
		if errors.Is(err, wsconn.ErrClosed) {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("session: send exec: %w", err)
	}
	s.logger.Debug("exec sent", "request_id", pending.requestSeq.String(), "timeout_seconds", instruction.TimeoutSeconds)

	handle, err := pending.handle.wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.abandon(pending)
		}
		return nil, err
	}
	return handle, nil
}

func (s *Session) resultTimeout(instruction protocol.Instruction) time.Duration {
	if s.options.ResultTimeoutSlack <= 0 {
		return 0
	}
	return time.Duration(instruction.TimeoutSeconds)*time.Second + s.options.ResultTimeoutSlack
}

// abandon returns the session to idle if pending is still current.
func (s *Session) abandon(pending *awaitingInstructionSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == connState(pending) {
		s.state = idleState{}
	}
}

// Close closes the socket and stops the receive loop. Callers waiting on a
// handle, a result, or output get ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.terminate(nil)
	err := s.sender.Close()
	<-s.done
	if wsconn.IsExpectedClose(err) {
		return nil
	}
	return err
}

// terminate marks the session closed and fails whatever is pending. Only
// the first call has an effect.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	state := s.state
	s.state = idleState{}
	s.mu.Unlock()

	state.fail(interruption(cause))
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) receiveLoop() {
	defer close(s.done)

	for {
		msg, err := s.receiver.Recv()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn("discarding undecodable message", "type", decodeErr.Type, "error", err)
				continue
			}

			if s.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("session closed by server")
				s.terminate(fmt.Errorf("session: connection closed by server: %w", io.EOF))
			} else {
				s.logger.Error("session receive failed", "error", err)
				s.terminate(fmt.Errorf("session: receive: %w", err))
			}
			return
		}

		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.ConnectedMessage:
		s.logger.Debug("ignoring connected message after handshake", "reported_machine", m.MachineName.String())
	case protocol.ExecReceivedMessage:
		s.onExecReceived(m)
	case protocol.OutputMessage:
		s.onOutput(m)
	case protocol.ResultMessage:
		s.onResult(m)
	case protocol.ErrorMessage:
		s.onServerError(m)
	case protocol.LogMessage:
		s.logger.Log(context.Background(), logLevel(m.Level), m.Message, "origin", "server")
	default:
		s.logger.Warn("ignoring unhandled message", "type", msg.MessageType())
	}
}

func (s *Session) onExecReceived(m protocol.ExecReceivedMessage) {
	s.mu.Lock()
	pending, ok := s.state.(*awaitingInstructionSeq)
	if !ok {
		current := s.state.name()
		s.mu.Unlock()
		s.logger.Error("exec_received in unexpected state",
			"state", current, "instruction_seq", m.Seq.String(), "request_id", m.RequestID.String())
		return
	}
	if pending.requestSeq != m.RequestID {
		s.mu.Unlock()
		s.logger.Warn("discarding exec_received for another request",
			"expected_request_id", pending.requestSeq.String(), "request_id", m.RequestID.String())
		return
	}

	next := &awaitingResult{
		instructionSeq: m.Seq,
		output:         newOutputBuffer(s.options.OutputBuffer),
		result:         newOneshot[protocol.ExecResult](),
	}
	if pending.timeout > 0 {
		next.deadline = time.AfterFunc(pending.timeout, func() { s.expire(next, pending.timeout) })
	}
	s.state = next
	s.mu.Unlock()

	handle := &ExecHandle{
		instructionSeq: m.Seq,
		output:         next.output,
		result:         next.result,
	}
	if !pending.handle.resolve(handle, nil) {
		s.logger.Warn("exec accepted after its caller stopped waiting", "instruction_seq", m.Seq.String())
	}
}

func (s *Session) onOutput(m protocol.OutputMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state.(*awaitingResult)
	if !ok {
		s.logger.Error("output in unexpected state", "state", s.state.name(), "instruction_seq", m.InstructionID.String())
		return
	}
	if current.instructionSeq != m.InstructionID {
		s.logger.Warn("discarding output for another instruction",
			"expected_instruction_seq", current.instructionSeq.String(), "instruction_seq", m.InstructionID.String())
		return
	}
	current.output.Write(m.Chunk)
}

func (s *Session) onResult(m protocol.ResultMessage) {
	s.mu.Lock()
	current, ok := s.state.(*awaitingResult)
	if !ok {
		name := s.state.name()
		s.mu.Unlock()
		s.logger.Error("result in unexpected state", "state", name, "instruction_seq", m.InstructionID.String())
		return
	}
	if current.instructionSeq != m.InstructionID {
		s.mu.Unlock()
		s.logger.Warn("discarding result for another instruction",
			"expected_instruction_seq", current.instructionSeq.String(), "instruction_seq", m.InstructionID.String())
		return
	}
	s.state = idleState{}
	s.mu.Unlock()

	current.stopDeadline()
	current.output.CloseWithError(nil)
	current.result.resolve(m.Result, nil)
}

// expire gives up on current if it is still the instruction in flight. A
// result that arrives later is logged and dropped.
func (s *Session) expire(current *awaitingResult, after time.Duration) {
	s.mu.Lock()
	if s.state != connState(current) {
		s.mu.Unlock()
		return
	}
	s.state = idleState{}
	s.mu.Unlock()

	s.logger.Warn("result timed out", "instruction_seq", current.instructionSeq.String(), "after", after)
	current.fail(fmt.Errorf("%w after %v", ErrResultTimeout, after))
}

// onServerError fails the in-flight operation. The state is left as is:
// the server usually closes the socket right after an error frame.
func (s *Session) onServerError(m protocol.ErrorMessage) {
	apiErr := m.APIError
	s.logger.Error("server reported error", "code", apiErr.Code, "error_id", derefString(apiErr.ID))

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	state.fail(&apiErr)
}

func logLevel(level protocol.MessageLevel) slog.Level {
	switch level {
	case protocol.LevelWarn:
		return slog.LevelWarn
	case protocol.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
