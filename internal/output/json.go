package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
)

// WriteJSON serializes v (a run report or load summary) as indented JSON.
// If path is "-" or empty, writes to stdout; files are replaced atomically.
func WriteJSON(v any, path string) error {
	if path == "" || path == "-" {
		return EncodeJSON(os.Stdout, v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	if err := namespace.WriteFile(path, append(data, '\n')); err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	return nil
}

// EncodeJSON writes v to w as indented JSON without HTML escaping.
func EncodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}
