package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jamsocket/forevervm/internal/protocol"
)

// errInstructionFailed makes the process exit non-zero after the error
// result has been printed.
var errInstructionFailed = errors.New("instruction failed")

func newExecCmd(a *app) *cobra.Command {
	var (
		machine        string
		interrupt      bool
		timeoutSeconds int32
	)

	cmd := &cobra.Command{
		Use:   "exec <code | ->",
		Short: "Run code over HTTP and stream its output",
		Long: "Run code on a machine without opening a REPL. The instruction is submitted\n" +
			"over HTTP and its output is streamed back. Pass - to read the code from stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if code == "-" {
				data, err := io.ReadAll(a.stdin)
				if err != nil {
					return fmt.Errorf("reading code from stdin: %w", err)
				}
				code = string(data)
			}

			c, err := a.loggedInClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			instruction := protocol.Instruction{Code: code, TimeoutSeconds: timeoutSeconds}
			resp, err := c.Exec(ctx, protocol.MachineName(machine), instruction, interrupt)
			if err != nil {
				return err
			}
			if resp.InstructionSeq == nil {
				return errors.New("server did not assign an instruction sequence number")
			}
			if machine == "" {
				fmt.Fprintf(a.stderr, "Created machine %s\n", nameStyle.Render(resp.Machine.String()))
			}
			if resp.Interrupted {
				fmt.Fprintln(a.stderr, noticeStyle.Render("Interrupted the previous instruction"))
			}

			stream, err := c.StreamResult(ctx, *resp.Machine, *resp.InstructionSeq)
			if err != nil {
				return err
			}
			defer stream.Close()

			result, err := stream.Wait(func(chunk protocol.StandardOutput) {
				printChunk(a.stdout, chunk)
			})
			if err != nil {
				return err
			}
			printResult(a.stdout, result)
			if result.IsError() {
				return errInstructionFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&machine, "machine", "m", "", "machine to run on (default: create one)")
	cmd.Flags().BoolVar(&interrupt, "interrupt", false, "cancel any instruction already running on the machine")
	cmd.Flags().Int32Var(&timeoutSeconds, "instruction-timeout-seconds", protocol.DefaultInstructionTimeoutSeconds, "server-side time limit for the instruction")
	return cmd
}
