// Package output renders CLI results as YAML or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Format identifies a CLI output format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Default is the output format used when none is requested.
var Default = FormatYAML

// global is set by the root command's --output flag.
var global = Default

// Set sets the global output format. Unknown values fall back to the
// default.
func Set(format string) {
	switch format {
	case "json":
		global = FormatJSON
	case "yaml":
		global = FormatYAML
	default:
		global = Default
	}
}

// Print writes data to stdout in the configured format.
func Print(data any) error {
	return Write(os.Stdout, global, data)
}

// Write writes data to the given writer in the specified format.
func Write(w io.Writer, format Format, data any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
