package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/store"
)

// PermissionsOptions holds flags shared by the permissions subcommands.
type PermissionsOptions struct {
	*RootOptions
	Database string
}

// NewPermissionsCommand creates the permissions command and its
// subcommands.
func NewPermissionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PermissionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and revoke remembered permission decisions",
		Long: `Inspect and revoke the permission decisions remembered at realm or global
scope. Scene-scope decisions last only for a session and are never stored.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	cmd.AddCommand(newPermissionsListCommand(opts))
	cmd.AddCommand(newPermissionsRevokeCommand(opts))
	return cmd
}

func newPermissionsListCommand(opts *PermissionsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List remembered decisions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)
			st, err := openPolicyStore(opts, formatter)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListDecisions(cmd.Context())
			if err != nil {
				_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to list decisions", err)
			}
			if records == nil {
				records = []store.DecisionRecord{}
			}
			if len(records) == 0 {
				return formatter.Lines([]string{"no remembered decisions"}, records)
			}
			lines := make([]string, 0, len(records))
			for _, r := range records {
				realm := r.Realm
				if realm == "" {
					realm = "*"
				}
				lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%s\t%s", r.Scope, realm, r.Scene, r.Kind, r.Decision))
			}
			return formatter.Lines(lines, records)
		},
	}
}

func newPermissionsRevokeCommand(opts *PermissionsOptions) *cobra.Command {
	var key store.DecisionKey

	cmd := &cobra.Command{
		Use:   "revoke <scene> <kind>",
		Short: "Forget a remembered decision",
		Long: `Forget a remembered decision so the scene is asked again.

Example:
  scenehost permissions revoke --scope realm --realm main plaza MovePlayer
  scenehost permissions revoke --scope global plaza OpenURL`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)
			key.Scene, key.Kind = args[0], args[1]
			if key.Scope == store.ScopeRealm && key.Realm == "" {
				msg := "--realm is required for realm scope"
				_ = formatter.Error(ErrCodeGeneric, msg, nil)
				return NewExitError(ExitCommandError, msg)
			}

			st, err := openPolicyStore(opts, formatter)
			if err != nil {
				return err
			}
			defer st.Close()

			removed, err := st.DeleteDecision(cmd.Context(), key)
			if err != nil {
				_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to revoke decision", err)
			}
			if !removed {
				msg := fmt.Sprintf("no %s decision for %s %s", key.Scope, key.Scene, key.Kind)
				_ = formatter.Error(ErrCodeNotFound, msg, key)
				return NewExitError(ExitFailure, msg)
			}
			if formatter.Format == "json" {
				return formatter.Success(key)
			}
			return formatter.Success(fmt.Sprintf("revoked %s %s (%s)", key.Scene, key.Kind, key.Scope))
		},
	}

	cmd.Flags().StringVar(&key.Scope, "scope", store.ScopeRealm, "decision scope (realm|global)")
	cmd.Flags().StringVar(&key.Realm, "realm", "", "realm of a realm-scope decision")
	return cmd
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openPolicyStore opens the --db store, falling back to the config's path.
func openPolicyStore(opts *PermissionsOptions, formatter *OutputFormatter) (*store.Store, error) {
	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			_ = formatter.Error(ErrCodeConfigFailed, err.Error(), nil)
			return nil, err
		}
		path = cfg.Store.Path
	}
	formatter.VerboseLog("Opening %s", path)
	st, err := store.Open(path)
	if err != nil {
		_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
