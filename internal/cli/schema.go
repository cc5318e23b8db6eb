package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
}

// CollectionSummary describes one loaded collection.
type CollectionSummary struct {
	Name        string            `json:"name"`
	PrimaryKey  string            `json:"primary_key"`
	TenantField string            `json:"tenant_field,omitempty"`
	Fields      int               `json:"fields"`
	Relations   []RelationSummary `json:"relations,omitempty"`
}

// RelationSummary describes one relation edge.
type RelationSummary struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Targets []string `json:"targets"`
}

// SchemaResult is what schema prints.
type SchemaResult struct {
	Version     uint64              `json:"version"`
	Collections []CollectionSummary `json:"collections"`
	Cycles      []string            `json:"cycles,omitempty"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema [schema-dir]",
		Short: "Load and check a CUE schema",
		Long: `Load collection definitions from a CUE package, resolve every relation
and print the collections with their relation graph. Relation cycles are
reported but allowed.

Without an argument the directory comes from schema.dir.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runSchema(opts, dir, cmd)
		},
	}
	return cmd
}

func runSchema(opts *SchemaOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	env, code, err := loadEnv(opts.RootOptions, dir, true, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, code, err)
	}

	snap := env.reg.Snapshot()
	result := SchemaResult{Version: snap.Version(), Collections: []CollectionSummary{}}
	for _, name := range snap.Names() {
		c, err := snap.Collection(name)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeSchema, err)
		}
		summary := CollectionSummary{
			Name:        c.Name,
			PrimaryKey:  c.PrimaryKey,
			TenantField: c.TenantField,
			Fields:      len(c.Fields),
		}
		relNames := make([]string, 0, len(c.Relations))
		for r := range c.Relations {
			relNames = append(relNames, r)
		}
		sort.Strings(relNames)
		for _, r := range relNames {
			rel := c.Relations[r]
			targets := rel.Targets
			if len(targets) == 0 {
				targets = []string{rel.Target}
			}
			summary.Relations = append(summary.Relations, RelationSummary{Name: r, Kind: string(rel.Kind), Targets: targets})
		}
		result.Collections = append(result.Collections, summary)
	}
	for _, cycle := range snap.Graph().Cycles() {
		result.Cycles = append(result.Cycles, cycle.Message)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Loaded %d collection(s)\n\n", len(result.Collections))
	for _, c := range result.Collections {
		fmt.Fprintf(w, "  %s: %d field(s), primary key %s", c.Name, c.Fields, c.PrimaryKey)
		if c.TenantField != "" {
			fmt.Fprintf(w, ", tenant field %s", c.TenantField)
		}
		fmt.Fprintln(w)
		for _, r := range c.Relations {
			fmt.Fprintf(w, "    %s -> %s (%s)\n", r.Name, strings.Join(r.Targets, " | "), r.Kind)
		}
	}
	if len(result.Cycles) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Cycles:")
		for _, c := range result.Cycles {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
	return nil
}
