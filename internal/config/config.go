// Package config loads docmux settings from flags, DOCMUX_* environment
// variables and an optional docmux.yaml, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment variables: DOCMUX_AUTH_TOKEN sets auth-token.
	EnvPrefix = "DOCMUX"
	// FileName is the config file name searched for without extension.
	FileName = "docmux"
	// FileFlag names the flag that points at an explicit config file.
	FileFlag = "config"
)

// Transports lists the accepted values of the transport setting.
var Transports = []string{"gorilla", "gobwas"}

// Config holds every setting. Each field becomes a flag named after its
// mapstructure tag.
type Config struct {
	URL       string `mapstructure:"url" default:"ws://localhost:8080/ws" description:"relay WebSocket URL"`
	AuthToken string `mapstructure:"auth-token" default:"" description:"credential sent in the Auth frame"`
	Transport string `mapstructure:"transport" default:"gorilla" description:"WebSocket client library, values: gorilla, gobwas"`

	BackoffFactorMs     int `mapstructure:"backoff-factor-ms" default:"1000" description:"redial delay multiplier in ms; delay is ln(attempt+1) times this"`
	BackoffMaxMs        int `mapstructure:"backoff-max-ms" default:"0" description:"longest redial delay in ms, 0 for unbounded"`
	DisconnectTimeoutMs int `mapstructure:"disconnect-timeout-ms" default:"30000" description:"how long a session may stay reconnecting before it reports disconnected"`

	CacheCapacity int    `mapstructure:"cache-capacity" default:"64" description:"number of documents kept in the offline cache"`
	CachePath     string `mapstructure:"cache-path" default:"" description:"file backing the offline cache"`
	RedisAddr     string `mapstructure:"redis-addr" default:"" description:"redis address backing the offline cache, overrides cache-path"`

	MetricsListen string `mapstructure:"metrics-listen" default:"" description:"address serving client metrics at /metrics, empty to disable"`

	Listen      string `mapstructure:"listen" default:":8080" description:"relay listen address"`
	JWTSecret   string `mapstructure:"jwt-secret" default:"" description:"HS256 secret used to sign and verify credentials"`
	TokenTTLSec int    `mapstructure:"token-ttl-sec" default:"3600" description:"lifetime of issued credentials in seconds"`
}

// BackoffFactor returns the redial delay multiplier.
func (c *Config) BackoffFactor() time.Duration {
	return time.Duration(c.BackoffFactorMs) * time.Millisecond
}

// BackoffMax returns the redial delay ceiling, zero when unbounded.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.DisconnectTimeoutMs) * time.Millisecond
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSec) * time.Second
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	valid := false
	for _, t := range Transports {
		if c.Transport == t {
			valid = true
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("transport %q is not one of %s", c.Transport, strings.Join(Transports, ", ")))
	}
	if c.BackoffFactorMs < 0 || c.BackoffMaxMs < 0 {
		errs = append(errs, errors.New("backoff settings must not be negative"))
	}
	if c.DisconnectTimeoutMs <= 0 {
		errs = append(errs, errors.New("disconnect-timeout-ms must be positive"))
	}
	return errors.Join(errs...)
}

// Default returns a Config holding the default tag of every field.
func Default() *Config {
	c := &Config{}
	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(c).Elem()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("default")
		if tag == "" {
			continue
		}
		switch f := v.Field(i); f.Kind() {
		case reflect.String:
			f.SetString(tag)
		case reflect.Int:
			if n, err := strconv.Atoi(tag); err == nil {
				f.SetInt(int64(n))
			}
		}
	}
	return c
}

// RegisterFlags adds one flag per Config field, plus --config.
func RegisterFlags(flags *pflag.FlagSet) {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		description := field.Tag.Get("description")
		def := field.Tag.Get("default")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(name, def, description)
		case reflect.Int:
			val, _ := strconv.Atoi(def)
			flags.Int(name, val, description)
		}
	}
	flags.String(FileFlag, "", "config file, defaults to ./docmux.yaml or $HOME/.config/docmux/docmux.yaml")
}

// Load resolves the configuration. Flags set on the command line win over
// the environment, which wins over the config file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := Default()
	dv := reflect.ValueOf(defaults).Elem()
	t := dv.Type()
	for i := 0; i < t.NumField(); i++ {
		v.SetDefault(t.Field(i).Tag.Get("mapstructure"), dv.Field(i).Interface())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := ""
	if flags != nil {
		if f := flags.Lookup(FileFlag); f != nil {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/docmux")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(flag *pflag.Flag) {
			if flag.Name == FileFlag || flag.Name == "help" {
				return
			}
			if err := v.BindPFlag(flag.Name, flag); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
