package mockserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jamsocket/forevervm/internal/protocol"
)

// Evaluator runs one instruction. It reports output through emit and
// returns the result. ctx is cancelled when the instruction times out or
// is interrupted.
type Evaluator func(ctx context.Context, code string, emit func(stream protocol.OutputStream, data string)) protocol.ExecResult

// LineEvaluator is the default Evaluator. It is a toy, not an interpreter:
// each line is one statement of a tiny language.
//
//	print(x)        writes x and a newline to stdout
//	eprint(x)       writes x and a newline to stderr
//	sleep(seconds)  waits, honouring interruption
//	raise Name      fails with Name
//	a + b           integer sum, returned as the value
//	anything else   returned verbatim as the value
//
// The value is that of the last line; print, eprint and sleep yield None.
func LineEvaluator(ctx context.Context, code string, emit func(protocol.OutputStream, string)) protocol.ExecResult {
	started := time.Now()
	elapsed := func() uint64 { return uint64(time.Since(started).Milliseconds()) }

	value := "None"
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := ctx.Err(); err != nil {
			return protocol.ErrorResult(interruptMessage(err), elapsed())
		}

		switch {
		case callArg(line, "print") != nil:
			emit(protocol.Stdout, unquote(*callArg(line, "print"))+"\n")
			value = "None"
		case callArg(line, "eprint") != nil:
			emit(protocol.Stderr, unquote(*callArg(line, "eprint"))+"\n")
			value = "None"
		case callArg(line, "sleep") != nil:
			seconds, err := strconv.ParseFloat(*callArg(line, "sleep"), 64)
			if err != nil {
				return protocol.ErrorResult(fmt.Sprintf("TypeError: %v", err), elapsed())
			}
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			case <-ctx.Done():
				return protocol.ErrorResult(interruptMessage(ctx.Err()), elapsed())
			}
			value = "None"
		case strings.HasPrefix(line, "raise "):
			return protocol.ErrorResult(strings.TrimSpace(strings.TrimPrefix(line, "raise ")), elapsed())
		default:
			value = evalExpr(line)
		}
	}

	return protocol.ValueResult(&value, elapsed())
}

func callArg(line, name string) *string {
	if !strings.HasPrefix(line, name+"(") || !strings.HasSuffix(line, ")") {
		return nil
	}
	arg := strings.TrimSpace(line[len(name)+1 : len(line)-1])
	return &arg
}

func unquote(s string) string {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func evalExpr(line string) string {
	left, right, ok := strings.Cut(line, "+")
	if !ok {
		return line
	}
	a, errA := strconv.Atoi(strings.TrimSpace(left))
	b, errB := strconv.Atoi(strings.TrimSpace(right))
	if errA != nil || errB != nil {
		return line
	}
	return strconv.Itoa(a + b)
}

func interruptMessage(err error) string {
	if err == context.DeadlineExceeded {
		return "Timeout"
	}
	return "Interrupted"
}
