package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	headerColor  = color.New(color.Bold)
	serviceColor = color.New(color.FgCyan, color.Bold)
	charColor    = color.New(color.FgGreen)
	descColor    = color.New(color.FgYellow)
	valueColor   = color.New(color.FgMagenta)
)

// painter returns a Sprintf that colors only when w is a terminal
func painter(w io.Writer) func(c *color.Color, format string, a ...any) string {
	enabled := false
	if f, ok := w.(*os.File); ok {
		enabled = term.IsTerminal(int(f.Fd())) && !color.NoColor
	}
	return func(c *color.Color, format string, a ...any) string {
		if !enabled {
			return fmt.Sprintf(format, a...)
		}
		return c.Sprintf(format, a...)
	}
}

// outputData writes data as a hex line or as raw bytes
func outputData(w io.Writer, data []byte, asHex bool) error {
	if asHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}

// formatHex renders bytes as space separated hex pairs
func formatHex(data []byte) string {
	if len(data) == 0 {
		return "-"
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}
