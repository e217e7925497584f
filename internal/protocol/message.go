package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → Server message types.
const (
	TypeExec = "exec"
)

// Server → Client message types.
const (
	TypeConnected    = "connected"
	TypeExecReceived = "exec_received"
	TypeResult       = "result"
	TypeOutput       = "output"
	TypeError        = "error"
	TypeMessage      = "message"
)

// OutputStream tags a chunk as stdout or stderr.
type OutputStream string

const (
	Stdout OutputStream = "stdout"
	Stderr OutputStream = "stderr"
)

func (s OutputStream) valid() bool {
	return s == Stdout || s == Stderr
}

// MessageLevel is the severity of a diagnostic message from the server.
type MessageLevel string

const (
	LevelInfo  MessageLevel = "info"
	LevelWarn  MessageLevel = "warn"
	LevelError MessageLevel = "error"
)

func (l MessageLevel) valid() bool {
	return l == LevelInfo || l == LevelWarn || l == LevelError
}

// StandardOutput is one chunk of interleaved stdout/stderr.
type StandardOutput struct {
	Stream OutputStream `json:"stream"`
	Data   string       `json:"data"`
	Seq    OutputSeq    `json:"seq"`
}

// ExecMessage asks the server to run an instruction. It is the only
// client → server message.
type ExecMessage struct {
	Instruction Instruction `json:"instruction"`
	RequestID   RequestSeq  `json:"request_id"`
}

func (m ExecMessage) MarshalJSON() ([]byte, error) {
	type body ExecMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{TypeExec, body(m)})
}

// ServerMessage is the closed set of messages the server sends. The
// concrete types are ConnectedMessage, ExecReceivedMessage, ResultMessage,
// OutputMessage, ErrorMessage and LogMessage.
type ServerMessage interface {
	// MessageType returns the wire "type" tag.
	MessageType() string
	serverMessage()
}

// ConnectedMessage is sent once, right after the socket opens.
type ConnectedMessage struct {
	MachineName MachineName `json:"machine_name"`
}

// ExecReceivedMessage acknowledges an exec request and assigns its
// instruction sequence number.
type ExecReceivedMessage struct {
	Seq       InstructionSeq `json:"seq"`
	RequestID RequestSeq     `json:"request_id"`
}

// ResultMessage carries the final result of an instruction.
type ResultMessage struct {
	InstructionID InstructionSeq `json:"instruction_id"`
	Result        ExecResult     `json:"result"`
}

// OutputMessage carries one output chunk of an instruction.
type OutputMessage struct {
	InstructionID InstructionSeq `json:"instruction_id"`
	Chunk         StandardOutput `json:"chunk"`
}

// ErrorMessage reports a server-side failure.
type ErrorMessage struct {
	APIError
}

// LogMessage is a diagnostic with no effect on session state.
type LogMessage struct {
	Message string       `json:"message"`
	Level   MessageLevel `json:"level"`
}

func (ConnectedMessage) MessageType() string    { return TypeConnected }
func (ExecReceivedMessage) MessageType() string { return TypeExecReceived }
func (ResultMessage) MessageType() string       { return TypeResult }
func (OutputMessage) MessageType() string       { return TypeOutput }
func (ErrorMessage) MessageType() string        { return TypeError }
func (LogMessage) MessageType() string          { return TypeMessage }

func (ConnectedMessage) serverMessage()    {}
func (ExecReceivedMessage) serverMessage() {}
func (ResultMessage) serverMessage()       {}
func (OutputMessage) serverMessage()       {}
func (ErrorMessage) serverMessage()        {}
func (LogMessage) serverMessage()          {}

// EncodeServerMessage returns the wire form of msg: the variant's fields
// plus its "type" tag, as one JSON object.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	var body any
	switch m := msg.(type) {
	case ConnectedMessage:
		type wire ConnectedMessage
		body = struct {
			Type string `json:"type"`
			wire
		}{m.MessageType(), wire(m)}
	case ExecReceivedMessage:
		type wire ExecReceivedMessage
		body = struct {
			Type string `json:"type"`
			wire
		}{m.MessageType(), wire(m)}
	case ResultMessage:
		type wire ResultMessage
		body = struct {
			Type string `json:"type"`
			wire
		}{m.MessageType(), wire(m)}
	case OutputMessage:
		type wire OutputMessage
		body = struct {
			Type string `json:"type"`
			wire
		}{m.MessageType(), wire(m)}
	case ErrorMessage:
		body = struct {
			Type string `json:"type"`
			APIError
		}{m.MessageType(), m.APIError}
	case LogMessage:
		type wire LogMessage
		body = struct {
			Type string `json:"type"`
			wire
		}{m.MessageType(), wire(m)}
	default:
		return nil, fmt.Errorf("encode server message: unsupported type %T", msg)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.MessageType(), err)
	}
	return data, nil
}
