package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	RequestOptions
}

// CompileResult is what compile prints.
type CompileResult struct {
	Collection   string   `json:"collection"`
	SQL          string   `json:"sql"`
	Args         []any    `json:"args"`
	Dependencies []string `json:"dependencies"`
	Key          string   `json:"cache_key"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <collection>",
		Short: "Compile a filter to SQL without running it",
		Long: `Compile a filter document against the schema and print the SQL, its
bound arguments, the collections it depends on and its cache key.

Permission rules and tenant scoping are applied exactly as for query.

Examples:
  qcore compile posts --schema ./schema --filter '{"author": {"name": "ada"}}' --scope system
  qcore compile orders --schema ./schema --aggregate 'sum(total)' --group-by status --tenant acme`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}
	opts.register(cmd)
	return cmd
}

func runCompile(opts *CompileOptions, collection string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	env, code, err := loadEnv(opts.RootOptions, opts.Schema, true, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, code, err)
	}
	perms, err := opts.permissions()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err)
	}
	req, err := opts.request(collection)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeInvalidFlag, err)
	}

	plan, err := env.engine(nil, nil, nil, perms).Plan(req)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, err)
	}
	formatter.VerboseLog("Compiled %s with %d join(s)", collection, len(plan.Query.Joins))

	result := CompileResult{
		Collection:   collection,
		SQL:          plan.Query.SQL,
		Args:         plan.Query.Args,
		Dependencies: plan.Query.Dependencies,
		Key:          plan.Key,
	}
	if result.Args == nil {
		result.Args = []any{}
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "SQL:          %s\n", result.SQL)
	fmt.Fprintf(w, "Args:         %v\n", result.Args)
	fmt.Fprintf(w, "Dependencies: %s\n", strings.Join(result.Dependencies, ", "))
	fmt.Fprintf(w, "Cache key:    %s\n", result.Key)
	return nil
}
