package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type envelope struct {
	Type *string `json:"type"`
}

func readType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &DecodeError{Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if env.Type == nil || *env.Type == "" {
		return "", &DecodeError{Err: errors.New("missing 'type' field")}
	}
	return *env.Type, nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s message", field, msgType)
}

// DecodeServerMessage decodes one server → client frame and validates the
// fields of its variant. Every failure is a *DecodeError; a tag outside the
// protocol wraps ErrUnknownMessageType.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	msgType, err := readType(raw)
	if err != nil {
		return nil, err
	}

	msg, err := decodeServerVariant(msgType, raw)
	if err != nil {
		return nil, &DecodeError{Type: msgType, Err: err}
	}
	return msg, nil
}

func decodeServerVariant(msgType string, raw []byte) (ServerMessage, error) {
	switch msgType {
	case TypeConnected:
		var p struct {
			MachineName *MachineName `json:"machine_name"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.MachineName == nil || *p.MachineName == "" {
			return nil, missing("machine_name", msgType)
		}
		return ConnectedMessage{MachineName: *p.MachineName}, nil

	case TypeExecReceived:
		var p struct {
			Seq       *InstructionSeq `json:"seq"`
			RequestID *RequestSeq     `json:"request_id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Seq == nil {
			return nil, missing("seq", msgType)
		}
		if p.RequestID == nil {
			return nil, missing("request_id", msgType)
		}
		return ExecReceivedMessage{Seq: *p.Seq, RequestID: *p.RequestID}, nil

	case TypeResult:
		var p struct {
			InstructionID *InstructionSeq `json:"instruction_id"`
			Result        *ExecResult     `json:"result"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.InstructionID == nil {
			return nil, missing("instruction_id", msgType)
		}
		if p.Result == nil {
			return nil, missing("result", msgType)
		}
		return ResultMessage{InstructionID: *p.InstructionID, Result: *p.Result}, nil

	case TypeOutput:
		var p struct {
			InstructionID *InstructionSeq `json:"instruction_id"`
			Chunk         *struct {
				Stream *OutputStream `json:"stream"`
				Data   *string       `json:"data"`
				Seq    *OutputSeq    `json:"seq"`
			} `json:"chunk"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.InstructionID == nil {
			return nil, missing("instruction_id", msgType)
		}
		if p.Chunk == nil {
			return nil, missing("chunk", msgType)
		}
		if p.Chunk.Stream == nil || !p.Chunk.Stream.valid() {
			return nil, fmt.Errorf("invalid chunk stream in %s message", msgType)
		}
		if p.Chunk.Data == nil {
			return nil, missing("chunk.data", msgType)
		}
		if p.Chunk.Seq == nil {
			return nil, missing("chunk.seq", msgType)
		}
		return OutputMessage{
			InstructionID: *p.InstructionID,
			Chunk: StandardOutput{
				Stream: *p.Chunk.Stream,
				Data:   *p.Chunk.Data,
				Seq:    *p.Chunk.Seq,
			},
		}, nil

	case TypeError:
		var p struct {
			Code *string `json:"code"`
			ID   *string `json:"id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Code == nil {
			return nil, missing("code", msgType)
		}
		return ErrorMessage{APIError{Code: *p.Code, ID: p.ID}}, nil

	case TypeMessage:
		var p struct {
			Message *string       `json:"message"`
			Level   *MessageLevel `json:"level"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Message == nil {
			return nil, missing("message", msgType)
		}
		if p.Level == nil || !p.Level.valid() {
			return nil, fmt.Errorf("invalid level in %s message", msgType)
		}
		return LogMessage{Message: *p.Message, Level: *p.Level}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)
}

// DecodeClientMessage decodes one client → server frame. Exec is the only
// kind the protocol defines.
func DecodeClientMessage(raw []byte) (ExecMessage, error) {
	msgType, err := readType(raw)
	if err != nil {
		return ExecMessage{}, err
	}
	if msgType != TypeExec {
		return ExecMessage{}, &DecodeError{Type: msgType, Err: fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)}
	}

	var p struct {
		Instruction *Instruction `json:"instruction"`
		RequestID   *RequestSeq  `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ExecMessage{}, &DecodeError{Type: msgType, Err: err}
	}
	if p.Instruction == nil {
		return ExecMessage{}, &DecodeError{Type: msgType, Err: missing("instruction", msgType)}
	}
	if p.RequestID == nil {
		return ExecMessage{}, &DecodeError{Type: msgType, Err: missing("request_id", msgType)}
	}
	return ExecMessage{Instruction: *p.Instruction, RequestID: *p.RequestID}, nil
}
