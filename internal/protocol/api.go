package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultInstructionTimeoutSeconds applies when an instruction does not
// carry its own timeout.
const DefaultInstructionTimeoutSeconds int32 = 15

// Instruction is one unit of code submitted for execution.
type Instruction struct {
	Code           string `json:"code"`
	TimeoutSeconds int32  `json:"timeout_seconds"`
}

// NewInstruction returns an instruction with the default timeout.
func NewInstruction(code string) Instruction {
	return Instruction{Code: code, TimeoutSeconds: DefaultInstructionTimeoutSeconds}
}

// UnmarshalJSON fills in the default timeout when the field is absent.
func (i *Instruction) UnmarshalJSON(data []byte) error {
	var wire struct {
		Code           *string `json:"code"`
		TimeoutSeconds *int32  `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Code == nil {
		return fmt.Errorf("missing required field 'code' in instruction")
	}
	i.Code = *wire.Code
	i.TimeoutSeconds = DefaultInstructionTimeoutSeconds
	if wire.TimeoutSeconds != nil {
		i.TimeoutSeconds = *wire.TimeoutSeconds
	}
	return nil
}

// ExecResult is the terminal outcome of one instruction. It is either an
// error (Err set) or a value (Value and Data, both optional).
type ExecResult struct {
	Err       *string
	Value     *string
	Data      json.RawMessage
	RuntimeMs uint64
}

// ErrorResult builds the error variant.
func ErrorResult(message string, runtimeMs uint64) ExecResult {
	return ExecResult{Err: &message, RuntimeMs: runtimeMs}
}

// ValueResult builds the value variant. A nil value means the instruction
// produced no displayable value.
func ValueResult(value *string, runtimeMs uint64) ExecResult {
	return ExecResult{Value: value, RuntimeMs: runtimeMs}
}

// IsError reports whether the instruction failed.
func (r ExecResult) IsError() bool {
	return r.Err != nil
}

// ErrorMessage returns the error text, or "" for the value variant.
func (r ExecResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return *r.Err
}

// Runtime returns the server-measured execution time.
func (r ExecResult) Runtime() time.Duration {
	return time.Duration(r.RuntimeMs) * time.Millisecond
}

type execErrorWire struct {
	Error     string `json:"error"`
	RuntimeMs uint64 `json:"runtime_ms"`
}

type execValueWire struct {
	Value     *string         `json:"value"`
	Data      json.RawMessage `json:"data,omitempty"`
	RuntimeMs uint64          `json:"runtime_ms"`
}

func (r ExecResult) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(execErrorWire{Error: *r.Err, RuntimeMs: r.RuntimeMs})
	}
	return json.Marshal(execValueWire{Value: r.Value, Data: r.Data, RuntimeMs: r.RuntimeMs})
}

func (r *ExecResult) UnmarshalJSON(data []byte) error {
	var wire struct {
		Error     *string         `json:"error"`
		Value     *string         `json:"value"`
		Data      json.RawMessage `json:"data"`
		RuntimeMs *uint64         `json:"runtime_ms"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.RuntimeMs == nil {
		return fmt.Errorf("missing required field 'runtime_ms' in result")
	}
	*r = ExecResult{RuntimeMs: *wire.RuntimeMs}
	if wire.Error != nil {
		r.Err = wire.Error
		return nil
	}
	r.Value = wire.Value
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		r.Data = wire.Data
	}
	return nil
}

// Machine is one entry of the machine list.
type Machine struct {
	Name                  MachineName       `json:"name"`
	CreatedAt             time.Time         `json:"created_at"`
	Running               bool              `json:"running"`
	HasPendingInstruction bool              `json:"has_pending_instruction"`
	ExpiresAt             *time.Time        `json:"expires_at,omitempty"`
	Tags                  map[string]string `json:"tags,omitempty"`
}

type CreateMachineRequest struct {
	Tags map[string]string `json:"tags,omitempty"`
}

type CreateMachineResponse struct {
	MachineName MachineName `json:"machine_name"`
}

type ListMachinesResponse struct {
	Machines []Machine `json:"machines"`
}

type WhoamiResponse struct {
	Account string `json:"account"`
}

// ExecRequest submits an instruction over HTTP. Interrupt cancels any
// instruction already pending or running on the machine.
type ExecRequest struct {
	Instruction Instruction `json:"instruction"`
	Interrupt   bool        `json:"interrupt"`
}

// ExecResponse carries the assigned sequence number. Interrupted reports
// that a previously running instruction was cancelled to make room.
type ExecResponse struct {
	InstructionSeq *InstructionSeq `json:"instruction_seq"`
	Interrupted    bool            `json:"interrupted,omitempty"`
	Machine        *MachineName    `json:"machine,omitempty"`
}

type ExecResultResponse struct {
	InstructionID InstructionSeq `json:"instruction_id"`
	Result        ExecResult     `json:"result"`
}
