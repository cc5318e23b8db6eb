package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// InvalidateOptions holds flags for the invalidate command.
type InvalidateOptions struct {
	*RootOptions
	Schema       string
	All          bool
	SchemaChange bool
	Permission   string
}

// InvalidateResult is what invalidate prints.
type InvalidateResult struct {
	Reason      string   `json:"reason"`
	Collections []string `json:"collections"`
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate [collection...]",
		Short: "Invalidate cached results in a shared cache",
		Long: `Record a write, schema change or permission change against the
configured cache so every process sharing it stops serving affected
results. Only useful with the networked or remote-http backends.

A write invalidates the collection and everything reachable from it over
relations. --schema-change also covers collections that reach it.
--permission with no collections invalidates everything.

Examples:
  qcore invalidate users --config qcore.yaml
  qcore invalidate tags --schema-change
  qcore invalidate posts --permission editor
  qcore invalidate --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE schema directory (overrides schema.dir)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "invalidate every cached result")
	cmd.Flags().BoolVar(&opts.SchemaChange, "schema-change", false, "treat the collections as changed in shape")
	cmd.Flags().StringVar(&opts.Permission, "permission", "", "role or tenant whose rules changed")
	return cmd
}

func runInvalidate(opts *InvalidateOptions, colls []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	switch {
	case opts.All && len(colls) > 0:
		return formatter.Fail(ExitCommandError, ErrCodeInvalidFlag, fmt.Errorf("--all takes no collections"))
	case opts.All && (opts.SchemaChange || opts.Permission != ""):
		return formatter.Fail(ExitCommandError, ErrCodeInvalidFlag, fmt.Errorf("--all cannot be combined with --schema-change or --permission"))
	case opts.SchemaChange && opts.Permission != "":
		return formatter.Fail(ExitCommandError, ErrCodeInvalidFlag, fmt.Errorf("--schema-change and --permission are exclusive"))
	case !opts.All && opts.Permission == "" && len(colls) == 0:
		return formatter.Fail(ExitCommandError, ErrCodeInvalidFlag, fmt.Errorf("name at least one collection, or pass --all"))
	}

	env, code, err := loadEnv(opts.RootOptions, opts.Schema, true, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, code, err)
	}
	for _, c := range colls {
		if _, err := env.reg.Collection(c); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, err)
		}
	}

	_, bus, closeCache, err := env.cacheStack()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCache, err)
	}
	defer closeCache()

	result := InvalidateResult{Collections: []string{}}
	switch {
	case opts.All:
		result.Reason = "all"
		err = bus.InvalidateAll(ctx)
	case opts.Permission != "":
		result.Reason = "permission"
		result.Collections = append(result.Collections, colls...)
		err = bus.OnPermissionChange(ctx, opts.Permission, colls...)
	case opts.SchemaChange:
		result.Reason = "schema"
		for _, c := range colls {
			if err = bus.OnSchemaChange(ctx, c); err != nil {
				break
			}
		}
		result.Collections = append(result.Collections, colls...)
	default:
		result.Reason = "write"
		for _, c := range colls {
			if err = bus.OnWrite(ctx, c); err != nil {
				break
			}
			result.Collections = appendMissing(result.Collections, bus.Closure(c)...)
		}
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCache, err)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	if result.Reason == "all" || len(result.Collections) == 0 {
		fmt.Fprintf(formatter.Writer, "✓ Invalidated all cached results (%s)\n", result.Reason)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ Invalidated %s (%s)\n", strings.Join(result.Collections, ", "), result.Reason)
	return nil
}

func appendMissing(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, l := range list {
			if l == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}
