package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gorws/internal/config"
	"github.com/3leaps/gorws/internal/observability"
	"github.com/3leaps/gorws/pkg/registry"
)

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "Inspect registered functions",
}

var functionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the functions a server would register",
	Long: `Load the built-in functions and the manifests under the configured
function directories, then print the resulting registry.

Example:
  gorws functions list
  gorws functions list --dir ./functions --json`,
	RunE: runFunctionsList,
}

var (
	functionsDirs []string
	functionsJSON bool
)

func init() {
	rootCmd.AddCommand(functionsCmd)
	functionsCmd.AddCommand(functionsListCmd)

	functionsListCmd.Flags().StringSliceVar(&functionsDirs, "dir", nil, "Function manifest directory (repeatable; overrides config)")
	functionsListCmd.Flags().BoolVar(&functionsJSON, "json", false, "Print JSON instead of a table")
}

type functionListing struct {
	Functions []functionEntry      `json:"functions"`
	Report    *registry.LoadReport `json:"report"`
}

type functionEntry struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Params      []registry.Param `json:"params"`
}

func runFunctionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	dirs := cfg.Functions.Dirs
	if cmd.Flags().Changed("dir") {
		dirs = functionsDirs
	}

	reg, report, err := loadRegistry(ctx, cfg, dirs, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load functions", err)
	}

	listing := listFunctions(reg, report)
	if functionsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}
	return printFunctionTable(cmd.OutOrStdout(), cmd.ErrOrStderr(), listing)
}

func listFunctions(reg *registry.Registry, report *registry.LoadReport) functionListing {
	listing := functionListing{Functions: []functionEntry{}, Report: report}
	for _, name := range reg.Names() {
		fn, err := reg.Resolve(name)
		if err != nil {
			continue
		}
		params := fn.Params()
		if params == nil {
			params = []registry.Param{}
		}
		listing.Functions = append(listing.Functions, functionEntry{
			Name:        name,
			Description: fn.Description(),
			Params:      params,
		})
	}
	return listing
}

func printFunctionTable(out, status io.Writer, listing functionListing) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPARAMS\tDESCRIPTION")
	for _, f := range listing.Functions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, formatParams(f.Params), valueOrDash(f.Description))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// Load problems go to stderr so stdout stays a clean table.
	if listing.Report == nil {
		return nil
	}
	for _, f := range listing.Report.Failures {
		_, _ = fmt.Fprintf(status, "skipped %s: %s\n", f.Path, f.Error)
	}
	for _, dir := range listing.Report.SkippedDirs {
		_, _ = fmt.Fprintf(status, "missing directory %s\n", dir)
	}
	for _, name := range listing.Report.Reserved {
		_, _ = fmt.Fprintf(status, "reserved name ignored: %s\n", name)
	}
	return nil
}

func formatParams(params []registry.Param) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		s := p.Name
		if p.Kind != "" && p.Kind != registry.KindAny {
			s += ":" + string(p.Kind)
		}
		if p.Optional {
			s += "?"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
