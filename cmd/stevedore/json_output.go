package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// writeJSON prints v for --json callers. Installer URLs keep their query
// separators instead of \u0026 escapes.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
