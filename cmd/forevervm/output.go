package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jamsocket/forevervm/internal/protocol"
)

var (
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	urlStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	noticeStyle = lipgloss.NewStyle().Faint(true)
)

// outputFormat is a pflag.Value restricted to the supported list formats.
type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func (f *outputFormat) String() string { return string(*f) }

func (f *outputFormat) Set(value string) error {
	switch outputFormat(value) {
	case formatText, formatJSON, formatYAML:
		*f = outputFormat(value)
		return nil
	}
	return fmt.Errorf("must be one of text, json, yaml")
}

func (f *outputFormat) Type() string { return "format" }

// machineView is the json/yaml shape of one machine.
type machineView struct {
	Name                  string            `json:"name" yaml:"name"`
	CreatedAt             time.Time         `json:"created_at" yaml:"created_at"`
	ExpiresAt             *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Running               bool              `json:"running" yaml:"running"`
	HasPendingInstruction bool              `json:"has_pending_instruction" yaml:"has_pending_instruction"`
	Tags                  map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func printMachines(w io.Writer, format outputFormat, machines []protocol.Machine) error {
	views := make([]machineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, machineView{
			Name:                  m.Name.String(),
			CreatedAt:             m.CreatedAt,
			ExpiresAt:             m.ExpiresAt,
			Running:               m.Running,
			HasPendingInstruction: m.HasPendingInstruction,
			Tags:                  m.Tags,
		})
	}

	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(views) == 0 {
		fmt.Fprintln(w, "No machines.")
		return nil
	}

	fmt.Fprintln(w, "Machines:")
	for _, m := range views {
		expires := "never"
		if m.ExpiresAt != nil {
			expires = humanize.Time(*m.ExpiresAt)
		}
		status := "idle"
		if m.HasPendingInstruction {
			status = "has_work"
		}

		fmt.Fprintln(w, nameStyle.Render(m.Name))
		fmt.Fprintf(w, "  Created: %s (%s)\n", detailStyle.Render(humanize.Time(m.CreatedAt)), m.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Expires: %s\n", detailStyle.Render(expires))
		fmt.Fprintf(w, "  Status:  %s\n", detailStyle.Render(status))
		fmt.Fprintf(w, "  Running: %s\n", detailStyle.Render(fmt.Sprint(m.Running)))
		if len(m.Tags) > 0 {
			fmt.Fprintf(w, "  Tags:    %s\n", detailStyle.Render(formatTags(m.Tags)))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func formatTags(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ", ")
}

// printChunk writes one output chunk, colouring stderr.
func printChunk(w io.Writer, chunk protocol.StandardOutput) {
	if chunk.Stream == protocol.Stderr {
		// Render pads every line to the widest, so the newline stays outside.
		data, newline := strings.CutSuffix(chunk.Data, "\n")
		fmt.Fprint(w, stderrStyle.Render(data))
		if newline {
			fmt.Fprintln(w)
		}
		return
	}
	fmt.Fprint(w, chunk.Data)
}

// printResult writes an instruction's value, or its error in red.
func printResult(w io.Writer, result protocol.ExecResult) {
	if result.IsError() {
		fmt.Fprintln(w, errorStyle.Render("Error: ")+result.ErrorMessage())
		return
	}
	if result.Value != nil {
		fmt.Fprintln(w, *result.Value)
	}
}
