/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admissiond

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/httpclient"
	"github.com/acronis/go-admission/internal/libinfo"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/service"
	"github.com/acronis/go-admission/settings"
)

// AdminTokenEnvVar is read when the --token flag is not set.
const AdminTokenEnvVar = "ADMISSIOND_ADMIN_TOKEN"

type rootOptions struct {
	configPath string
	serverURL  string
	adminToken string
}

// NewRootCommand creates the admissiond command with all its subcommands.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "admissiond",
		Short: "Request admission control service",
		Long: `admissiond protects public and authentication surfaces with per-client fixed-window rate limiters.

Thresholds are read from the settings store (or the config file) at runtime,
so they can be changed without restart:
  admissiond settings set rate_limit_public_max 200

Environment variables override config values with the ADMISSIOND_ prefix.
Example: ADMISSIOND_SERVER_ADDRESS=:9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the config file (yaml or json)")
	cmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", "",
		"base URL of a running admissiond, settings and limits commands use its admin API instead of local files")
	cmd.PersistentFlags().StringVar(&opts.adminToken, "token", "",
		"bearer token for the admin API of the --server, "+AdminTokenEnvVar+" is used if not set")

	cmd.AddCommand(
		newServeCommand(opts),
		newSettingsCommand(opts),
		newLimitsCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// LoadConfig loads the application config from the file (if the path is not empty) and environment variables.
func LoadConfig(path string) (*AppConfig, *config.ViperAdapter, error) {
	va := config.NewViperAdapter()
	va.UseEnvVars(EnvVarsPrefix)
	loader := config.NewLoader(va)
	cfg := NewAppConfig()
	if path == "" {
		if err := loader.LoadFromReader(bytes.NewReader(nil), config.DataTypeYAML, cfg); err != nil {
			return nil, nil, err
		}
		return cfg, va, nil
	}
	dataType := config.DataTypeYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dataType = config.DataTypeJSON
	}
	if err := loader.LoadFromFile(path, dataType, cfg); err != nil {
		return nil, nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, va, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, va, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, closeLogger := log.NewLogger(cfg.Log)
			defer closeLogger()

			app, err := New(cmd.Context(), cfg, va, logger, Opts{})
			if err != nil {
				logger.Error("failed to create service", log.Error(err))
				return err
			}
			return service.New(logger, app).Start(cmd.Context())
		},
	}
}

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and update thresholds in the settings store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print a single setting or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.serverURL != "" {
				return getRemoteSettings(cmd, opts, args)
			}
			return withSettingsStore(cmd.Context(), opts, func(store settings.Store) error {
				if len(args) == 1 {
					val, err := store.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), val)
					return err
				}
				list, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), list)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Create or update a setting, running services pick it up on the next refresh",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil || val <= 0 {
				return fmt.Errorf("value should be a positive integer, got %q", args[1])
			}
			if opts.serverURL != "" {
				client, err := newAdminClient(opts)
				if err != nil {
					return err
				}
				return client.SetSetting(cmd.Context(), args[0], val)
			}
			return withSettingsStore(cmd.Context(), opts, func(store settings.Store) error {
				return store.SetInt(cmd.Context(), args[0], val)
			})
		},
	})

	return cmd
}

func withSettingsStore(ctx context.Context, opts *rootOptions, fn func(store settings.Store) error) error {
	cfg, _, err := LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	switch cfg.Admission.Settings.Backend {
	case SettingsBackendSQLite, SettingsBackendRedis:
	default:
		return fmt.Errorf("settings store is disabled (%s.%s is %q)",
			cfg.Admission.KeyPrefix(), cfgKeySettingsBackend, cfg.Admission.Settings.Backend)
	}
	store, err := openSettingsStore(ctx, cfg.Admission.Settings, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func getRemoteSettings(cmd *cobra.Command, opts *rootOptions, args []string) error {
	client, err := newAdminClient(opts)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		setting, getErr := client.GetSetting(cmd.Context(), args[0])
		if getErr != nil {
			return getErr
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), setting.Value)
		return err
	}
	list, err := client.ListSettings(cmd.Context())
	if err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), list)
}

func newAdminClient(opts *rootOptions) (*AdminClient, error) {
	clientOpts := httpclient.Opts{UserAgent: "admissiond/" + libinfo.GetLibVersion()}
	token := opts.adminToken
	if token == "" {
		token = os.Getenv(AdminTokenEnvVar)
	}
	if token != "" {
		clientOpts.AuthProvider = httpclient.StaticToken(token)
	}
	client, err := httpclient.New(clientOpts)
	if err != nil {
		return nil, err
	}
	return NewAdminClient(opts.serverURL, client, nil), nil
}

func newLimitsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Print the effective configuration of all limiters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.serverURL != "" {
				client, err := newAdminClient(opts)
				if err != nil {
					return err
				}
				limits, err := client.Limits(cmd.Context())
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), limits)
			}

			cfg, va, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			app, err := New(cmd.Context(), cfg, va, log.NewDisabledLogger(), Opts{})
			if err != nil {
				return err
			}
			defer func() { _ = app.Stop(false) }()

			for _, name := range app.Registry.Names() {
				limiter, _ := app.Registry.Lookup(name)
				if refreshErr := limiter.RefreshConfig(); refreshErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: defaults are used: %v\n", name, refreshErr)
				}
			}
			return writeYAML(cmd.OutOrStdout(), app.Limits())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "admissiond %s\n", libinfo.GetLibVersion())
			return err
		},
	}
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
