package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"codebridge-mcp-server/internal/sandbox"
)

// Output modes for the text facet of a run_python result.
const (
	OutputCompact       = "compact"
	OutputTokenOriented = "token-oriented"
)

// StructuredResult builds the structuredContent facet: the result record
// with empty strings and empty collections elided.
func StructuredResult(r sandbox.Result) map[string]any {
	out := map[string]any{"status": r.Status}
	if r.Stdout != "" {
		out["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		out["stderr"] = r.Stderr
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if len(r.Servers) > 0 {
		out["servers"] = r.Servers
	}
	return out
}

// RenderText produces the single text content block. The default is a
// compact plain-text rendering; token-oriented mode emits a YAML block,
// falling back to indented JSON if the encoder refuses the record.
func RenderText(r sandbox.Result, mode string) string {
	if mode == OutputTokenOriented {
		return renderTokenOriented(r)
	}
	return renderCompact(r)
}

func renderCompact(r sandbox.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s", r.Status)
	if len(r.Servers) > 0 {
		fmt.Fprintf(&b, " (servers: %s)", strings.Join(r.Servers, ", "))
	}
	b.WriteByte('\n')
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	if r.Stdout != "" {
		b.WriteString("stdout:\n")
		writeIndented(&b, r.Stdout)
	}
	if r.Stderr != "" {
		b.WriteString("stderr:\n")
		writeIndented(&b, r.Stderr)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeIndented(b *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func renderTokenOriented(r sandbox.Result) string {
	data, err := yaml.Marshal(StructuredResult(r))
	if err != nil {
		// Deterministic fallback when the encoder is unavailable for the
		// record.
		fallback, jerr := json.MarshalIndent(StructuredResult(r), "", "  ")
		if jerr != nil {
			return fmt.Sprintf("status: %s", r.Status)
		}
		return string(fallback)
	}
	return strings.TrimRight(string(data), "\n")
}
