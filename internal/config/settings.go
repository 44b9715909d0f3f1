package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the tool.
const EnvPrefix = "ATP"

// Setting keys. Flags are bound to the same names with dashes.
const (
	KeyServersFile        = "servers_file"
	KeyOutputDir          = "output_dir"
	KeyLogLevel           = "log_level"
	KeyLogPretty          = "log_pretty"
	KeyHTTPTimeout        = "http_timeout"
	KeyInsecureSkipVerify = "insecure_skip_verify"
	KeyRedisAddr          = "redis_addr"
	KeyPushgatewayURL     = "pushgateway_url"
)

// Settings are the tool settings besides the query itself.
type Settings struct {
	ServersFile string
	OutputDir   string
	LogLevel    string
	LogPretty   bool

	// HTTPTimeout of zero keeps the transport default.
	HTTPTimeout        time.Duration
	InsecureSkipVerify bool

	// RedisAddr enables the token cache when set.
	RedisAddr string

	// PushgatewayURL enables pushing run metrics when set.
	PushgatewayURL string
}

// NewViper returns a viper instance with defaults and ATP_* environment
// lookups configured.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyServersFile, "servers.yaml")
	v.SetDefault(KeyOutputDir, ".")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogPretty, false)
	v.SetDefault(KeyHTTPTimeout, time.Duration(0))
	v.SetDefault(KeyInsecureSkipVerify, true)
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyPushgatewayURL, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// ReadSettings loads the optional settings file and returns the merged
// settings. Precedence is flag, environment, settings file, default.
func ReadSettings(v *viper.Viper, settingsFile string) (Settings, error) {
	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings file %s: %w", settingsFile, err)
		}
	}

	s := Settings{
		ServersFile:        v.GetString(KeyServersFile),
		OutputDir:          v.GetString(KeyOutputDir),
		LogLevel:           v.GetString(KeyLogLevel),
		LogPretty:          v.GetBool(KeyLogPretty),
		HTTPTimeout:        v.GetDuration(KeyHTTPTimeout),
		InsecureSkipVerify: v.GetBool(KeyInsecureSkipVerify),
		RedisAddr:          v.GetString(KeyRedisAddr),
		PushgatewayURL:     v.GetString(KeyPushgatewayURL),
	}
	if s.HTTPTimeout < 0 {
		return Settings{}, fmt.Errorf("%s must not be negative", KeyHTTPTimeout)
	}
	if s.ServersFile == "" {
		return Settings{}, fmt.Errorf("%s must not be empty", KeyServersFile)
	}
	return s, nil
}
