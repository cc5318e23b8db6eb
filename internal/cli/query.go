package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baasix/querycore/internal/store"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	RequestOptions
	Driver  string
	DSN     string
	NoCache bool
}

// QueryResult is what query prints.
type QueryResult struct {
	Rows       []map[string]any `json:"rows"`
	NextCursor string           `json:"next_cursor,omitempty"`
	Cached     bool             `json:"cached"`
	Key        string           `json:"cache_key"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <collection>",
		Short: "Run a filtered read through the cache",
		Long: `Run a read against the configured database. The result is served from
the configured cache when a current entry exists.

Examples:
  qcore query posts --schema ./schema --driver sqlite --dsn app.db --tenant acme --role editor
  qcore query posts --config qcore.yaml --filter '{"status": "published"}' --limit 20 --sort -views`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "database driver, sqlite or postgres (overrides executor.driver)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "database DSN or SQLite path (overrides executor.dsn)")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "bypass the cache")
	return cmd
}

func runQuery(opts *QueryOptions, collection string, cmd *cobra.Command) error {
	ctx := cmd.Context()
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
	req.NoCache = opts.NoCache

	driver, dsn := env.cfg.Executor.Driver, env.cfg.Executor.DSN
	if opts.Driver != "" {
		driver = opts.Driver
	}
	if opts.DSN != "" {
		dsn = opts.DSN
	}
	db, err := store.OpenDriver(ctx, driver, dsn)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeExecutor, err)
	}
	defer db.Close()
	// The SQL must be rendered for the database that runs it.
	env.cfg.Compiler.Dialect = string(db.Dialect())
	formatter.VerboseLog("Opened %s executor", db.Dialect())

	c, bus, closeCache, err := env.cacheStack()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCache, err)
	}
	defer closeCache()

	res, err := env.engine(db, c, bus, perms).Query(ctx, req)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, err)
	}
	formatter.VerboseLog("Request %s: %d row(s), cached=%v", res.RequestID, len(res.Rows), res.Cached)

	result := QueryResult{Rows: res.Rows, NextCursor: res.NextCursor, Cached: res.Cached, Key: res.Key}
	if formatter.JSON() {
		return formatter.encode(CLIResponse{Status: "ok", Data: result, RequestID: res.RequestID})
	}

	w := formatter.Writer
	for _, row := range res.Rows {
		line, err := json.Marshal(row)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(line))
	}
	fmt.Fprintf(w, "\n%d row(s)", len(res.Rows))
	if res.Cached {
		fmt.Fprint(w, " (cached)")
	}
	fmt.Fprintln(w)
	if res.NextCursor != "" {
		fmt.Fprintf(w, "Next cursor: %s\n", res.NextCursor)
	}
	return nil
}
