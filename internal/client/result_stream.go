package client

import (
	"errors"
	"io"
	"iter"

	"github.com/jamsocket/forevervm/internal/protocol"
	"github.com/jamsocket/forevervm/internal/stream"
)

// ErrNoResult is returned by ResultStream.Wait when the stream ends before
// a result message arrives.
var ErrNoResult = errors.New("client: stream ended without a result")

// ResultStream is an open stream-result response.
type ResultStream struct {
	body    io.ReadCloser
	decoder *stream.Decoder
}

// Next returns the next message. A *protocol.DecodeError leaves the stream
// usable; io.EOF marks its end.
func (s *ResultStream) Next() (protocol.ServerMessage, error) {
	return s.decoder.Next()
}

// All iterates the remaining messages. See stream.Decoder.All.
func (s *ResultStream) All() iter.Seq2[protocol.ServerMessage, error] {
	return s.decoder.All()
}

// Wait passes every output chunk to onOutput, which may be nil, and
// returns the result. Undecodable lines are skipped.
func (s *ResultStream) Wait(onOutput func(protocol.StandardOutput)) (protocol.ExecResult, error) {
	for msg, err := range s.decoder.All() {
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				continue
			}
			return protocol.ExecResult{}, err
		}
		switch m := msg.(type) {
		case protocol.OutputMessage:
			if onOutput != nil {
				onOutput(m.Chunk)
			}
		case protocol.ResultMessage:
			return m.Result, nil
		case protocol.ErrorMessage:
			apiErr := m.APIError
			return protocol.ExecResult{}, &apiErr
		}
	}
	return protocol.ExecResult{}, ErrNoResult
}

// Close releases the response body.
func (s *ResultStream) Close() error {
	return s.body.Close()
}
