package protocol

import "strconv"

// RequestSeq is the client-assigned token that correlates one exec request
// with its exec_received acknowledgement. Unique and increasing per session,
// never across sessions.
type RequestSeq uint32

func (s RequestSeq) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// InstructionSeq identifies an accepted instruction on one machine. It is
// assigned by the server and increases per machine.
type InstructionSeq int64

func (s InstructionSeq) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// Next returns the sequence number that follows s.
func (s InstructionSeq) Next() InstructionSeq {
	return s + 1
}

// OutputSeq is the position of an output chunk within a single
// instruction. It restarts at zero for every instruction.
type OutputSeq int64

// Next returns the sequence number that follows s.
func (s OutputSeq) Next() OutputSeq {
	return s + 1
}

// MachineName identifies a remote machine.
type MachineName string

func (n MachineName) String() string {
	return string(n)
}

// NewMachine is the machine name that asks the server to allocate a fresh
// machine when opening a REPL.
const NewMachine MachineName = "new"
