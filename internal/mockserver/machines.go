package mockserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamsocket/forevervm/internal/protocol"
)

const defaultSubscriberBufCap = 256

var (
	errMachineNotFound     = errors.New("machine not found")
	errMachineLimit        = errors.New("machine limit reached")
	errInstructionNotFound = errors.New("instruction not found")
	errMachineBusy         = errors.New("instruction already running")
)

// Registry owns the mock machines and their instruction history.
type Registry struct {
	mu          sync.RWMutex
	machines    map[protocol.MachineName]*machine
	maxMachines int
	evaluate    Evaluator
}

type machine struct {
	mu         sync.Mutex
	name       protocol.MachineName
	createdAt  time.Time
	tags       map[string]string
	nextSeq    protocol.InstructionSeq
	running    *execution
	executions map[protocol.InstructionSeq]*execution
}

// execution is one instruction on one machine. history holds every
// output and result message so late subscribers can catch up.
type execution struct {
	seq    protocol.InstructionSeq
	cancel context.CancelFunc

	mu          sync.Mutex
	history     []protocol.ServerMessage
	subscribers map[string]chan protocol.ServerMessage
	result      *protocol.ExecResult
	done        chan struct{}
}

// NewRegistry creates an empty registry. A maxMachines of zero or less
// means no limit.
func NewRegistry(maxMachines int, evaluate Evaluator) *Registry {
	if evaluate == nil {
		evaluate = LineEvaluator
	}
	return &Registry{
		machines:    make(map[protocol.MachineName]*machine),
		maxMachines: maxMachines,
		evaluate:    evaluate,
	}
}

// Create registers a new machine with a generated name.
func (r *Registry) Create(tags map[string]string) (protocol.MachineName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxMachines > 0 && len(r.machines) >= r.maxMachines {
		return "", fmt.Errorf("%w (%d)", errMachineLimit, r.maxMachines)
	}

	name := protocol.MachineName("m-" + uuid.New().String()[:8])
	r.machines[name] = &machine{
		name:       name,
		createdAt:  time.Now().UTC(),
		tags:       tags,
		executions: make(map[protocol.InstructionSeq]*execution),
	}
	return name, nil
}

func (r *Registry) get(name protocol.MachineName) (*machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMachineNotFound, name)
	}
	return m, nil
}

// Exists reports whether name is a registered machine.
func (r *Registry) Exists(name protocol.MachineName) bool {
	_, err := r.get(name)
	return err == nil
}

// List returns a snapshot of every machine.
func (r *Registry) List() []protocol.Machine {
	r.mu.RLock()
	machines := make([]*machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	result := make([]protocol.Machine, 0, len(machines))
	for _, m := range machines {
		m.mu.Lock()
		result = append(result, protocol.Machine{
			Name:                  m.name,
			CreatedAt:             m.createdAt,
			Running:               true,
			HasPendingInstruction: m.running != nil,
			Tags:                  m.tags,
		})
		m.mu.Unlock()
	}
	return result
}

// Exec starts instruction on the named machine and returns its sequence
// number. With interrupt set, a running instruction is cancelled first and
// interrupted reports that it was; otherwise a running instruction is
// errMachineBusy.
func (r *Registry) Exec(name protocol.MachineName, instruction protocol.Instruction, interrupt bool) (seq protocol.InstructionSeq, interrupted bool, err error) {
	m, err := r.get(name)
	if err != nil {
		return 0, false, err
	}

	m.mu.Lock()
	if m.running != nil {
		if !interrupt {
			m.mu.Unlock()
			return 0, false, errMachineBusy
		}
		m.running.cancel()
		interrupted = true
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if instruction.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(instruction.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	ex := &execution{
		seq:         m.nextSeq,
		cancel:      cancel,
		subscribers: make(map[string]chan protocol.ServerMessage),
		done:        make(chan struct{}),
	}
	m.nextSeq = m.nextSeq.Next()
	m.executions[ex.seq] = ex
	previous := m.running
	m.running = ex
	m.mu.Unlock()

	go r.run(ctx, m, ex, previous, instruction)
	return ex.seq, interrupted, nil
}

func (r *Registry) run(ctx context.Context, m *machine, ex *execution, previous *execution, instruction protocol.Instruction) {
	defer ex.cancel()

	// An interrupted predecessor finishes before this one starts.
	if previous != nil {
		<-previous.done
	}

	var outputSeq protocol.OutputSeq
	result := r.evaluate(ctx, instruction.Code, func(stream protocol.OutputStream, data string) {
		ex.publish(protocol.OutputMessage{
			InstructionID: ex.seq,
			Chunk:         protocol.StandardOutput{Stream: stream, Data: data, Seq: outputSeq},
		})
		outputSeq = outputSeq.Next()
	})

	m.mu.Lock()
	if m.running == ex {
		m.running = nil
	}
	m.mu.Unlock()

	ex.finish(result)
}

// publish appends msg to the history and fans it out.
func (ex *execution) publish(msg protocol.ServerMessage) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.history = append(ex.history, msg)
	for _, ch := range ex.subscribers {
		select {
		case ch <- msg:
		default:
			// Subscriber channel full, drop the message.
		}
	}
}

func (ex *execution) finish(result protocol.ExecResult) {
	ex.publish(protocol.ResultMessage{InstructionID: ex.seq, Result: result})

	ex.mu.Lock()
	ex.result = &result
	for id, ch := range ex.subscribers {
		close(ch)
		delete(ex.subscribers, id)
	}
	ex.mu.Unlock()
	close(ex.done)
}

func (r *Registry) execution(name protocol.MachineName, seq protocol.InstructionSeq) (*execution, error) {
	m, err := r.get(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[seq]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", errInstructionNotFound, name, seq)
	}
	return ex, nil
}

// Result waits for the instruction's result.
func (r *Registry) Result(ctx context.Context, name protocol.MachineName, seq protocol.InstructionSeq) (protocol.ExecResult, error) {
	ex, err := r.execution(name, seq)
	if err != nil {
		return protocol.ExecResult{}, err
	}

	select {
	case <-ex.done:
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return *ex.result, nil
	case <-ctx.Done():
		return protocol.ExecResult{}, ctx.Err()
	}
}

// Subscribe returns the messages published so far and a channel carrying
// the rest. The channel is closed after the result message. Call the
// returned function to stop early.
func (r *Registry) Subscribe(name protocol.MachineName, seq protocol.InstructionSeq) ([]protocol.ServerMessage, <-chan protocol.ServerMessage, func(), error) {
	ex, err := r.execution(name, seq)
	if err != nil {
		return nil, nil, nil, err
	}

	ch := make(chan protocol.ServerMessage, defaultSubscriberBufCap)

	ex.mu.Lock()
	history := make([]protocol.ServerMessage, len(ex.history))
	copy(history, ex.history)
	if ex.result != nil {
		ex.mu.Unlock()
		close(ch)
		return history, ch, func() {}, nil
	}
	subID := uuid.New().String()
	ex.subscribers[subID] = ch
	ex.mu.Unlock()

	unsubscribe := func() {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		if sub, ok := ex.subscribers[subID]; ok {
			close(sub)
			delete(ex.subscribers, subID)
		}
	}
	return history, ch, unsubscribe, nil
}

// Shutdown cancels every running instruction.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.machines {
		m.mu.Lock()
		if m.running != nil {
			m.running.cancel()
		}
		m.mu.Unlock()
	}
}
