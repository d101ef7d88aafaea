package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/composition"
	"github.com/cozy-insight/composer/internal/validation"
)

var errValidationFailed = errors.New("validation failed")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate CATALOG [SNAPSHOT...]",
		Short: "Check a field catalog and saved snapshots against it",
		Long: `Load a YAML field catalog and list its fields. Every snapshot file given
is restored against the catalog and its problems are reported: fields that
no longer exist, role mismatches, operators the field type does not allow.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadYAML(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printCatalog(out, cat)

			failed := 0
			for _, path := range args[1:] {
				if !checkSnapshot(out, cat, path) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d snapshots", errValidationFailed, failed, len(args)-1)
			}
			return nil
		},
	}
}

func printCatalog(w io.Writer, cat *catalog.Catalog) {
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(w, "Dataset %s (%d fields)\n", cat.DatasetID(), cat.Len())
	for _, f := range cat.Fields() {
		fmt.Fprintf(w, "  %-24s %-9s %s\n", f.Name, f.DeclaredType, f.Role)
	}
}

// checkSnapshot reports whether the snapshot at path restores cleanly
func checkSnapshot(w io.Writer, cat *catalog.Catalog, path string) bool {
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen, color.Bold)

	data, err := os.ReadFile(path)
	if err != nil {
		red.Fprintf(w, "✗ %s: %v\n", path, err)
		return false
	}
	snap, err := composition.DecodeSnapshot(data)
	if err != nil {
		red.Fprintf(w, "✗ %s: %v\n", path, err)
		return false
	}

	_, err = composition.FromSnapshot(cat, snap, composition.Options{})
	var errs *validation.Errors
	switch {
	case err == nil:
		green.Fprintf(w, "✓ %s\n", path)
		return true
	case errors.As(err, &errs) && !errors.Is(err, composition.ErrRestoreRejected):
		yellow.Fprintf(w, "! %s: %d problem(s)\n", path, errs.Count())
		for _, e := range errs.Items {
			fmt.Fprintf(w, "    %s\n", e.Error())
		}
	default:
		red.Fprintf(w, "✗ %s: %v\n", path, err)
	}
	return false
}
