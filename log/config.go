/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"errors"
	"fmt"
	"strings"

	"code.cloudfoundry.org/bytefmt"

	"github.com/acronis/go-admission/config"
)

const cfgDefaultKeyPrefix = "log"

const (
	cfgKeyLevel     = "level"
	cfgKeyFormat    = "format"
	cfgKeyOutput    = "output"
	cfgKeyNoColor   = "nocolor"
	cfgKeyAddCaller = "addCaller"

	cfgKeyFilePath         = "file.path"
	cfgKeyRotationCompress = "file.rotation.compress"
	cfgKeyRotationMaxSize  = "file.rotation.maxSize"
	cfgKeyRotationBackups  = "file.rotation.maxBackups"
	cfgKeyRotationMaxAge   = "file.rotation.maxAgeDays"
	cfgKeyRotationLocalTS  = "file.rotation.localTimeInNames"
)

// Default and restriction values.
const (
	DefaultFileRotationMaxSizeBytes = 250 * 1024 * 1024
	MinFileRotationMaxSizeBytes     = 1024 * 1024

	DefaultFileRotationMaxBackups = 10
	MinFileRotationMaxBackups     = 1
)

// Level defines possible values for log levels.
type Level string

// Logging levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Format defines possible values for log formats.
type Format string

// Logging formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Output defines possible values for log outputs.
type Output string

// Logging outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

var (
	knownLevels  = []Level{LevelError, LevelWarn, LevelInfo, LevelDebug}
	knownFormats = []Format{FormatJSON, FormatText}
	knownOutputs = []Output{OutputStdout, OutputStderr, OutputFile}
)

// Config is the "log" section of the service configuration.
type Config struct {
	Level   Level            `mapstructure:"level" yaml:"level" json:"level"`
	Format  Format           `mapstructure:"format" yaml:"format" json:"format"`
	Output  Output           `mapstructure:"output" yaml:"output" json:"output"`
	NoColor bool             `mapstructure:"nocolor" yaml:"nocolor" json:"nocolor"`
	File    FileOutputConfig `mapstructure:"file" yaml:"file" json:"file"`

	// AddCaller adds package/file:line of the call site to every message.
	AddCaller bool `mapstructure:"addCaller" yaml:"addCaller" json:"addCaller"`

	keyPrefix string
}

// FileOutputConfig is used when Output is "file". The path may contain the {{pid}} placeholder.
type FileOutputConfig struct {
	Path     string             `mapstructure:"path" yaml:"path" json:"path"`
	Rotation FileRotationConfig `mapstructure:"rotation" yaml:"rotation" json:"rotation"`
}

// FileRotationConfig is a configuration for file log rotation.
type FileRotationConfig struct {
	Compress         bool            `mapstructure:"compress" yaml:"compress" json:"compress"`
	MaxSize          config.ByteSize `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`
	MaxBackups       int             `mapstructure:"maxBackups" yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays       int             `mapstructure:"maxAgeDays" yaml:"maxAgeDays" json:"maxAgeDays"`
	LocalTimeInNames bool            `mapstructure:"localTimeInNames" yaml:"localTimeInNames" json:"localTimeInNames"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a functional option for NewConfig and NewDefaultConfig.
type ConfigOption func(*Config)

// WithKeyPrefix makes config.Loader read the section under keyPrefix instead of "log".
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(c *Config) {
		c.keyPrefix = keyPrefix
	}
}

// NewConfig creates an empty Config that is filled by config.Loader.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewDefaultConfig creates a Config with the same values config.Loader produces for an empty section.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Level = LevelInfo
	cfg.Format = FormatJSON
	cfg.Output = OutputStdout
	cfg.File.Rotation.MaxSize = DefaultFileRotationMaxSizeBytes
	cfg.File.Rotation.MaxBackups = DefaultFileRotationMaxBackups
	return cfg
}

// KeyPrefix implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyLevel, string(LevelInfo))
	dp.SetDefault(cfgKeyFormat, string(FormatJSON))
	dp.SetDefault(cfgKeyOutput, string(OutputStdout))
	dp.SetDefault(cfgKeyRotationMaxSize, bytefmt.ByteSize(DefaultFileRotationMaxSizeBytes))
	dp.SetDefault(cfgKeyRotationBackups, DefaultFileRotationMaxBackups)
}

// Set implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Level, err = getOneOf(dp, cfgKeyLevel, knownLevels); err != nil {
		return err
	}
	if c.Format, err = getOneOf(dp, cfgKeyFormat, knownFormats); err != nil {
		return err
	}
	if c.Output, err = getOneOf(dp, cfgKeyOutput, knownOutputs); err != nil {
		return err
	}
	if c.NoColor, err = dp.GetBool(cfgKeyNoColor); err != nil {
		return err
	}
	if c.AddCaller, err = dp.GetBool(cfgKeyAddCaller); err != nil {
		return err
	}

	if c.File.Path, err = dp.GetString(cfgKeyFilePath); err != nil {
		return err
	}
	if c.File.Path == "" && c.Output == OutputFile {
		return dp.WrapKeyErr(cfgKeyFilePath, fmt.Errorf("cannot be empty when %q output is used", OutputFile))
	}
	return c.File.Rotation.set(dp)
}

func (r *FileRotationConfig) set(dp config.DataProvider) error {
	var err error
	if r.Compress, err = dp.GetBool(cfgKeyRotationCompress); err != nil {
		return err
	}
	if r.LocalTimeInNames, err = dp.GetBool(cfgKeyRotationLocalTS); err != nil {
		return err
	}

	if r.MaxSize, err = dp.GetByteSize(cfgKeyRotationMaxSize); err != nil {
		return err
	}
	if r.MaxSize < MinFileRotationMaxSizeBytes {
		return dp.WrapKeyErr(cfgKeyRotationMaxSize,
			fmt.Errorf("should be >= %s", bytefmt.ByteSize(MinFileRotationMaxSizeBytes)))
	}

	if r.MaxBackups, err = dp.GetInt(cfgKeyRotationBackups); err != nil {
		return err
	}
	if r.MaxBackups < MinFileRotationMaxBackups {
		return dp.WrapKeyErr(cfgKeyRotationBackups, fmt.Errorf("should be >= %d", MinFileRotationMaxBackups))
	}

	if r.MaxAgeDays, err = dp.GetInt(cfgKeyRotationMaxAge); err != nil {
		return err
	}
	if r.MaxAgeDays < 0 {
		return dp.WrapKeyErr(cfgKeyRotationMaxAge, errors.New("should be >= 0"))
	}
	return nil
}

// getOneOf reads a case-insensitive enum value.
func getOneOf[T ~string](dp config.DataProvider, key string, known []T) (T, error) {
	set := make([]string, len(known))
	for i := range known {
		set[i] = string(known[i])
	}
	val, err := dp.GetStringFromSet(key, set, true)
	if err != nil {
		return "", err
	}
	return T(strings.ToLower(val)), nil
}
