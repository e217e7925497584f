// Package stream decodes the newline-delimited JSON bodies of the
// stream-result endpoint. Each non-blank line is one server message with
// the same schema as the REPL socket frames.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/jamsocket/forevervm/internal/protocol"
)

const maxLineSize = 16 * 1024 * 1024 // 16 MB

// AcceptEncoding is the Accept-Encoding value understood by DecodeBody.
const AcceptEncoding = "zstd, gzip"

// ErrUnsupportedEncoding is returned by DecodeBody for a Content-Encoding
// it cannot undo.
var ErrUnsupportedEncoding = errors.New("stream: unsupported content encoding")

// Decoder reads server messages from a line-oriented byte stream.
type Decoder struct {
	reader  *bufio.Reader
	maxLine int
	line    int
	err     error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, 64*1024), maxLine: maxLineSize}
}

// Next returns the next message. Invalid UTF-8 is replaced with U+FFFD and
// blank lines are skipped. A line that does not decode, or that is longer
// than 16 MB, returns a *protocol.DecodeError and the following call
// continues with the next line. A read error ends the stream and is
// returned from every later call; the end of the body is io.EOF.
func (d *Decoder) Next() (protocol.ServerMessage, error) {
	if d.err != nil {
		return nil, d.err
	}

	for {
		raw, tooLong, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			} else {
				d.err = fmt.Errorf("stream: read: %w", err)
			}
			return nil, d.err
		}
		d.line++
		if tooLong {
			return nil, &protocol.DecodeError{Err: fmt.Errorf("line %d: longer than %d bytes", d.line, d.maxLine)}
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		msg, err := protocol.DecodeServerMessage(toValidUTF8(raw))
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				return nil, &protocol.DecodeError{Type: decodeErr.Type, Err: fmt.Errorf("line %d: %w", d.line, decodeErr.Err)}
			}
			return nil, &protocol.DecodeError{Err: fmt.Errorf("line %d: %w", d.line, err)}
		}
		return msg, nil
	}
}

// readLine returns the next line without its terminator. A line over
// maxLine is consumed and reported as tooLong. A final line without a
// newline is returned before io.EOF.
func (d *Decoder) readLine() (line []byte, tooLong bool, err error) {
	for {
		frag, err := d.reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > d.maxLine+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}
		switch {
		case err == nil:
			line = bytes.TrimSuffix(line, []byte("\n"))
			return bytes.TrimSuffix(line, []byte("\r")), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(line) > 0 || tooLong):
			return line, tooLong, nil
		default:
			return nil, false, err
		}
	}
}

// toValidUTF8 replaces each maximal invalid subsequence of b with U+FFFD.
func toValidUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	out := make([]byte, 0, len(b)+8)
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r != utf8.RuneError || size > 1 {
			out = append(out, b[i:i+size]...)
			i += size
			continue
		}
		// Extend over continuation bytes that still form a valid prefix.
		n := 1
		for i+n < len(b) && !utf8.FullRune(b[i:i+n+1]) {
			n++
		}
		out = utf8.AppendRune(out, utf8.RuneError)
		i += n
	}
	return out
}

// All iterates over the remaining messages. Decode errors are yielded and
// iteration continues; a read error is yielded once and ends it. The end
// of the body is not yielded.
func (d *Decoder) All() iter.Seq2[protocol.ServerMessage, error] {
	return func(yield func(protocol.ServerMessage, error) bool) {
		for {
			msg, err := d.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if !yield(nil, err) {
					return
				}
				var decodeErr *protocol.DecodeError
				if !errors.As(err, &decodeErr) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// DecodeBody returns resp.Body with its Content-Encoding removed. Closing
// the result closes the response body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("stream: gzip body: %w", err)
		}
		return &decodedBody{Reader: reader, closeFn: func() error {
			reader.Close()
			return resp.Body.Close()
		}}, nil
	case "zstd":
		decoder, err := zstd.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("stream: zstd body: %w", err)
		}
		return &decodedBody{Reader: decoder, closeFn: func() error {
			decoder.Close()
			return resp.Body.Close()
		}}, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

type decodedBody struct {
	io.Reader
	closeFn func() error
}

func (b *decodedBody) Close() error {
	return b.closeFn()
}
