package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baasix/querycore/internal/kvserver"
)

// ServeKVOptions holds flags for the serve-kv command.
type ServeKVOptions struct {
	*RootOptions
	Addr string
}

// NewServeKVCommand creates the serve-kv command.
func NewServeKVCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeKVOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve-kv",
		Short: "Serve an in-memory key-value store for the remote-http cache backend",
		Long: `Serve the HTTP key-value protocol the remote-http cache backend speaks.
Data lives in memory and is lost on exit. Intended for development and
tests; point cache.http.base_url at it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
			env, code, err := loadEnv(opts.RootOptions, "", false, cmd.ErrOrStderr())
			if err != nil {
				return formatter.Fail(ExitCommandError, code, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := kvserver.New(kvserver.WithLogger(env.logger))
			if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7480", "listen address")
	return cmd
}
