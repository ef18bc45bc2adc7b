/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admissiond

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/profserver"
	"github.com/acronis/go-admission/ratelimit"
)

// EnvVarsPrefix is a prefix of environment variables that override config values (e.g. ADMISSIOND_SERVER_ADDRESS).
const EnvVarsPrefix = "admissiond"

const cfgDefaultKeyPrefix = "admission"

const (
	cfgKeyRefreshInterval   = "refreshInterval"
	cfgKeyConfigTimeout     = "configTimeout"
	cfgKeySweepInterval     = "sweepInterval"
	cfgKeyMaxKeys           = "maxKeys"
	cfgKeyTrustedProxies    = "trustedProxies"
	cfgKeyBypassKeys        = "bypassKeys"
	cfgKeyDryRun            = "dryRun"
	cfgKeySettingsBackend   = "settings.backend"
	cfgKeySettingsDSN       = "settings.dsn"
	cfgKeySettingsWatchFile = "settings.watchFile"
	cfgKeySettingsRedisURL  = "settings.redisURL"
	cfgKeySettingsRedisHash = "settings.redisHashKey"
	cfgKeyLimiters          = "limiters"
	cfgKeyAdminNetworks     = "admin.allowedNetworks"
	cfgKeyAdminToken        = "admin.token"

	// cfgKeySettingsValues holds thresholds for the "config" settings backend
	// (and fallback values for the "sqlite" one).
	cfgKeySettingsValues = "settings.values"
)

// Settings backends.
const (
	SettingsBackendSQLite = "sqlite"
	SettingsBackendRedis  = "redis"
	SettingsBackendConfig = "config"
	SettingsBackendNone   = "none"
)

// Names of the built-in limited surfaces.
const (
	LimiterPublicPages = "public_pages"
	LimiterLogin       = "login"
	LimiterAdminWrite  = "admin_write"
)

const (
	defaultRefreshInterval = ratelimit.DefaultRefreshInterval
	defaultConfigTimeout   = ratelimit.DefaultConfigTimeout
	defaultSweepInterval   = time.Minute
	defaultSettingsBackend = SettingsBackendSQLite
	defaultSettingsDSN     = "admissiond.db"
)

// DefaultAdminNetworks makes the admin API reachable from the same host only.
var DefaultAdminNetworks = []string{"127.0.0.0/8", "::1"}

// DefaultLimiters returns definitions of the built-in surfaces.
// Thresholds of public pages are stored under the keys used by the content-management application.
func DefaultLimiters() []LimiterDefinition {
	return []LimiterDefinition{
		{
			Name:            LimiterPublicPages,
			MaxRequests:     100,
			Window:          time.Minute,
			ConfigKeyMax:    "rate_limit_public_max",
			ConfigKeyWindow: "rate_limit_public_minutos",
		},
		{
			Name:            LimiterLogin,
			MaxRequests:     5,
			Window:          5 * time.Minute,
			ConfigKeyMax:    "rate_limit_login_max",
			ConfigKeyWindow: "rate_limit_login_minutos",
		},
		{
			Name:            LimiterAdminWrite,
			MaxRequests:     30,
			Window:          time.Minute,
			ConfigKeyMax:    "rate_limit_admin_write_max",
			ConfigKeyWindow: "rate_limit_admin_write_minutos",
		},
	}
}

// LimiterDefinition describes a named limiter instance.
type LimiterDefinition struct {
	Name            string        `mapstructure:"name" yaml:"name" json:"name" validate:"required,max=64"`
	MaxRequests     int           `mapstructure:"maxRequests" yaml:"maxRequests" json:"maxRequests" validate:"gt=0"`
	Window          time.Duration `mapstructure:"window" yaml:"window" json:"window" validate:"gt=0"`
	ConfigKeyMax    string        `mapstructure:"configKeyMax" yaml:"configKeyMax,omitempty" json:"configKeyMax,omitempty"`
	ConfigKeyWindow string        `mapstructure:"configKeyWindow" yaml:"configKeyWindow,omitempty" json:"configKeyWindow,omitempty"`

	// WindowUnit is a unit of the value stored by ConfigKeyWindow. Minutes are used if zero.
	WindowUnit time.Duration `mapstructure:"windowUnit" yaml:"windowUnit,omitempty" json:"windowUnit,omitempty" validate:"gte=0"`
}

// LimiterParams converts the definition to ratelimit.LimiterParams.
func (d LimiterDefinition) LimiterParams() ratelimit.LimiterParams {
	return ratelimit.LimiterParams{
		ConfigKeyMax:    d.ConfigKeyMax,
		ConfigKeyWindow: d.ConfigKeyWindow,
		WindowUnit:      d.WindowUnit,
		Defaults:        ratelimit.LimiterConfig{MaxRequests: d.MaxRequests, Window: d.Window},
	}
}

// SettingsConfig describes where limiter thresholds are read from at runtime.
type SettingsConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=sqlite redis config none"`
	DSN     string `mapstructure:"dsn" yaml:"dsn" json:"dsn" validate:"required_if=Backend sqlite"`

	// RedisURL (redis://[user:password@]host:port/db) is used by the "redis" backend.
	RedisURL     string `mapstructure:"redisURL" yaml:"redisURL,omitempty" json:"redisURL,omitempty" validate:"required_if=Backend redis"`
	RedisHashKey string `mapstructure:"redisHashKey" yaml:"redisHashKey,omitempty" json:"redisHashKey,omitempty"`

	// WatchFile makes the service re-read the config file when it's changed,
	// so thresholds from settings.values are picked up without restart.
	WatchFile bool `mapstructure:"watchFile" yaml:"watchFile" json:"watchFile"`
}

// AdminConfig restricts access to the admin API.
type AdminConfig struct {
	// AllowedNetworks lists CIDRs (or single IPs) of direct peers that may call the admin API.
	AllowedNetworks []string `mapstructure:"allowedNetworks" yaml:"allowedNetworks" json:"allowedNetworks" validate:"dive,cidr|ip"`

	// Token is required in "Authorization: Bearer <token>" header if it's not empty.
	Token string `mapstructure:"token" yaml:"-" json:"-"`
}

// AdmissionConfig represents a set of configuration parameters for admission control.
type AdmissionConfig struct {
	RefreshInterval time.Duration       `mapstructure:"refreshInterval" yaml:"refreshInterval" json:"refreshInterval" validate:"gte=0"`
	ConfigTimeout   time.Duration       `mapstructure:"configTimeout" yaml:"configTimeout" json:"configTimeout" validate:"gte=0"`
	SweepInterval   time.Duration       `mapstructure:"sweepInterval" yaml:"sweepInterval" json:"sweepInterval" validate:"gte=0"`
	MaxKeys         int                 `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys" validate:"gte=0"`
	TrustedProxies  []string            `mapstructure:"trustedProxies" yaml:"trustedProxies" json:"trustedProxies" validate:"dive,cidr|ip"`
	BypassKeys      []string            `mapstructure:"bypassKeys" yaml:"bypassKeys" json:"bypassKeys" validate:"dive,required"`
	DryRun          bool                `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
	Settings        SettingsConfig      `mapstructure:"settings" yaml:"settings" json:"settings"`
	Limiters        []LimiterDefinition `mapstructure:"limiters" yaml:"limiters" json:"limiters" validate:"unique=Name,dive"`
	Admin           AdminConfig         `mapstructure:"admin" yaml:"admin" json:"admin"`

	keyPrefix string
}

var _ config.Config = (*AdmissionConfig)(nil)
var _ config.KeyPrefixProvider = (*AdmissionConfig)(nil)

// NewAdmissionConfig creates a new instance of the AdmissionConfig.
func NewAdmissionConfig() *AdmissionConfig {
	return &AdmissionConfig{keyPrefix: cfgDefaultKeyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *AdmissionConfig) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *AdmissionConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRefreshInterval, defaultRefreshInterval.String())
	dp.SetDefault(cfgKeyConfigTimeout, defaultConfigTimeout.String())
	dp.SetDefault(cfgKeySweepInterval, defaultSweepInterval.String())
	dp.SetDefault(cfgKeySettingsBackend, defaultSettingsBackend)
	dp.SetDefault(cfgKeySettingsDSN, defaultSettingsDSN)
	dp.SetDefault(cfgKeyAdminNetworks, DefaultAdminNetworks)
}

// Set sets configuration values from config.DataProvider.
func (c *AdmissionConfig) Set(dp config.DataProvider) error {
	var err error
	if c.RefreshInterval, err = dp.GetDuration(cfgKeyRefreshInterval); err != nil {
		return err
	}
	if c.ConfigTimeout, err = dp.GetDuration(cfgKeyConfigTimeout); err != nil {
		return err
	}
	if c.SweepInterval, err = dp.GetDuration(cfgKeySweepInterval); err != nil {
		return err
	}
	if c.MaxKeys, err = dp.GetInt(cfgKeyMaxKeys); err != nil {
		return err
	}
	if c.TrustedProxies, err = dp.GetStringSlice(cfgKeyTrustedProxies); err != nil {
		return err
	}
	if c.BypassKeys, err = dp.GetStringSlice(cfgKeyBypassKeys); err != nil {
		return err
	}
	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}
	if c.Settings.Backend, err = dp.GetStringFromSet(cfgKeySettingsBackend,
		[]string{SettingsBackendSQLite, SettingsBackendRedis, SettingsBackendConfig, SettingsBackendNone}, true); err != nil {
		return err
	}
	c.Settings.Backend = strings.ToLower(c.Settings.Backend)
	if c.Settings.DSN, err = dp.GetString(cfgKeySettingsDSN); err != nil {
		return err
	}
	if c.Settings.RedisURL, err = dp.GetString(cfgKeySettingsRedisURL); err != nil {
		return err
	}
	if c.Settings.RedisHashKey, err = dp.GetString(cfgKeySettingsRedisHash); err != nil {
		return err
	}
	if c.Settings.WatchFile, err = dp.GetBool(cfgKeySettingsWatchFile); err != nil {
		return err
	}

	if c.Admin.AllowedNetworks, err = dp.GetStringSlice(cfgKeyAdminNetworks); err != nil {
		return err
	}
	if c.Admin.Token, err = dp.GetString(cfgKeyAdminToken); err != nil {
		return err
	}
	if len(c.Admin.AllowedNetworks) == 0 && c.Admin.Token == "" {
		return dp.WrapKeyErr(cfgKeyAdminNetworks, errors.New("cannot be empty when admin token is not set"))
	}

	c.Limiters = nil
	if dp.IsSet(cfgKeyLimiters) {
		if err = dp.UnmarshalKey(cfgKeyLimiters, &c.Limiters, config.WithErrorUnused()); err != nil {
			return err
		}
	} else {
		c.Limiters = DefaultLimiters()
	}

	return c.validate(dp)
}

// Limiter returns the definition of the named limiter.
func (c *AdmissionConfig) Limiter(name string) (LimiterDefinition, bool) {
	for _, def := range c.Limiters {
		if def.Name == name {
			return def, true
		}
	}
	return LimiterDefinition{}, false
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report config keys instead of Go field names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *AdmissionConfig) validate(dp config.DataProvider) error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	errs := make([]error, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		// Namespace looks like "AdmissionConfig.limiters[0].maxRequests", the struct name is dropped.
		key := fieldErr.Namespace()
		if i := strings.IndexByte(key, '.'); i != -1 {
			key = key[i+1:]
		}
		errs = append(errs, dp.WrapKeyErr(key, errors.New(validationErrorMessage(fieldErr))))
	}
	return errors.Join(errs...)
}

func validationErrorMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required", "required_if":
		return "cannot be empty"
	case "gt":
		return "should be positive"
	case "gte":
		return "cannot be negative"
	case "max":
		return fmt.Sprintf("should be at most %s characters long", fieldErr.Param())
	case "oneof":
		return fmt.Sprintf("should be one of: %s", fieldErr.Param())
	case "unique":
		return fmt.Sprintf("%s should be unique", strings.ToLower(fieldErr.Param()))
	case "cidr|ip", "cidr", "ip":
		return fmt.Sprintf("%q is neither IP address nor CIDR", fieldErr.Value())
	default:
		return fmt.Sprintf("failed on the %q rule", fieldErr.Tag())
	}
}

// AppConfig represents the whole configuration of the admissiond service.
type AppConfig struct {
	Log        *log.Config
	Server     *httpserver.Config
	ProfServer *profserver.Config
	Admission  *AdmissionConfig
}

// NewAppConfig creates a new instance of the AppConfig.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:        log.NewConfig(),
		Server:     httpserver.NewConfig(),
		ProfServer: profserver.NewConfig(),
		Admission:  NewAdmissionConfig(),
	}
}

var _ config.Config = (*AppConfig)(nil)

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set sets configuration values from config.DataProvider.
func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}
