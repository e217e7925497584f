package mockserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/jamsocket/forevervm/internal/protocol"
)

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.WhoamiResponse{Account: s.config.Account})
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateMachineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeAPIError(w, http.StatusBadRequest, "InvalidRequest")
			return
		}
	}

	name, err := s.registry.Create(req.Tags)
	if err != nil {
		writeAPIError(w, http.StatusTooManyRequests, "MachineLimitReached")
		return
	}
	writeJSON(w, http.StatusOK, protocol.CreateMachineResponse{MachineName: name})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.ListMachinesResponse{Machines: s.registry.List()})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	name := protocol.MachineName(r.PathValue("name"))

	var req protocol.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}

	seq, interrupted, err := s.registry.Exec(name, req.Instruction, req.Interrupt)
	switch {
	case errors.Is(err, errMachineNotFound):
		writeAPIError(w, http.StatusNotFound, "MachineNotFound")
		return
	case errors.Is(err, errMachineBusy):
		writeAPIError(w, http.StatusConflict, "MachineBusy")
		return
	case err != nil:
		writeAPIError(w, http.StatusInternalServerError, "InternalError")
		return
	}
	writeJSON(w, http.StatusOK, protocol.ExecResponse{InstructionSeq: &seq, Interrupted: interrupted, Machine: &name})
}

func parseSeq(w http.ResponseWriter, r *http.Request) (protocol.MachineName, protocol.InstructionSeq, bool) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil || seq < 0 {
		writeAPIError(w, http.StatusBadRequest, "InvalidInstructionSeq")
		return "", 0, false
	}
	return protocol.MachineName(r.PathValue("name")), protocol.InstructionSeq(seq), true
}

// handleExecResult long-polls until the instruction finishes.
func (s *Server) handleExecResult(w http.ResponseWriter, r *http.Request) {
	name, seq, ok := parseSeq(w, r)
	if !ok {
		return
	}

	result, err := s.registry.Result(r.Context(), name, seq)
	if err != nil {
		if errors.Is(err, errMachineNotFound) || errors.Is(err, errInstructionNotFound) {
			writeAPIError(w, http.StatusNotFound, "InstructionNotFound")
		}
		return
	}
	writeJSON(w, http.StatusOK, protocol.ExecResultResponse{InstructionID: seq, Result: result})
}

// flushWriter pushes every encoded line to the client immediately.
type flushWriter struct {
	w       io.Writer
	flush   func() error
	flusher http.Flusher
}

func (f *flushWriter) writeLine(data []byte) error {
	if _, err := f.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if f.flush != nil {
		if err := f.flush(); err != nil {
			return err
		}
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}

// handleStreamResult streams the instruction's output and result as NDJSON,
// compressed with zstd or gzip when the client accepts it.
func (s *Server) handleStreamResult(w http.ResponseWriter, r *http.Request) {
	name, seq, ok := parseSeq(w, r)
	if !ok {
		return
	}

	history, ch, unsubscribe, err := s.registry.Subscribe(name, seq)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "InstructionNotFound")
		return
	}
	defer unsubscribe()

	fw := &flushWriter{w: w}
	fw.flusher, _ = w.(http.Flusher)

	accept := r.Header.Get("Accept-Encoding")
	w.Header().Set("Content-Type", "application/x-ndjson")
	switch {
	case strings.Contains(accept, "zstd"):
		w.Header().Set("Content-Encoding", "zstd")
		encoder, err := zstd.NewWriter(w)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "InternalError")
			return
		}
		defer encoder.Close()
		fw.w, fw.flush = encoder, encoder.Flush
	case strings.Contains(accept, "gzip"):
		w.Header().Set("Content-Encoding", "gzip")
		encoder := gzip.NewWriter(w)
		defer encoder.Close()
		fw.w, fw.flush = encoder, encoder.Flush
	}
	w.WriteHeader(http.StatusOK)

	write := func(msg protocol.ServerMessage) bool {
		data, err := protocol.EncodeServerMessage(msg)
		if err != nil {
			return false
		}
		return fw.writeLine(data) == nil
	}

	for _, msg := range history {
		if !write(msg) {
			return
		}
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok || !write(msg) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
