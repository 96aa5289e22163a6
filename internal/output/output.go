// Package output renders command results as a table, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/sensor"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an output format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", errors.New().WithData(errors.ErrInvalidOutput, s)
	}
}

type Printer struct {
	w      io.Writer
	format Format
}

func New(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format}
}

func (p *Printer) Format() Format {
	return p.format
}

// encode writes v as a single JSON line or YAML document
func (p *Printer) encode(v any) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q cannot encode objects", p.format)
	}
}

// Readings prints sensor readings under key, e.g. "fans" or "temperatures"
func (p *Printer) Readings(key, title string, readings []sensor.Reading) error {
	if readings == nil {
		readings = []sensor.Reading{}
	}

	if p.format != FormatTable {
		return p.encode(map[string]any{key: readings})
	}

	fmt.Fprintf(p.w, "%s\n", title)
	if len(readings) == 0 {
		fmt.Fprintln(p.w, "  no sensors found")
		return nil
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVALUE\tUNIT\tSTATUS")
	for _, r := range readings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, formatValue(r.Value), r.Unit, r.Status)
	}

	return tw.Flush()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// Message prints a success result. Fields are included in JSON and YAML
// output and listed below the message in table output.
func (p *Printer) Message(msg string, fields map[string]any) error {
	if p.format != FormatTable {
		obj := map[string]any{"status": "success", "message": msg}
		for k, v := range fields {
			obj[k] = v
		}
		return p.encode(obj)
	}

	fmt.Fprintln(p.w, msg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s:\t%v\n", k, fields[k])
	}

	return tw.Flush()
}

// Error prints err as an error object, or as a plain line for tables
func (p *Printer) Error(err error) error {
	if p.format != FormatTable {
		return p.encode(map[string]any{
			"status":  "error",
			"code":    string(errors.CodeOf(err)),
			"message": err.Error(),
		})
	}

	_, werr := fmt.Fprintf(p.w, "Error: %v\n", err)
	return werr
}

// Event prints one live update: line for tables, v as compact JSON or a
// YAML document otherwise.
func (p *Printer) Event(v any, line string) error {
	switch p.format {
	case FormatJSON:
		return json.NewEncoder(p.w).Encode(v)
	case FormatYAML:
		if _, err := io.WriteString(p.w, "---\n"); err != nil {
			return err
		}
		return p.encode(v)
	default:
		_, err := fmt.Fprintln(p.w, line)
		return err
	}
}
