package jb

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/jitterbuffer"
)

const (
	ConfPrefix  = "jb"
	DefaultImpl = "fixed"
)

var ErrUnknownOption = errors.New("jb: unknown option")

// Config is the per channel jitter buffer configuration.
type Config struct {
	Enabled bool
	// Forced uses a jitter buffer even when the channel can handle jitter itself.
	Forced bool
	// Log writes a frame log file per channel.
	Log             bool
	MaxSize         int64
	ResyncThreshold int64
	// TargetExtra only applies to adaptive implementations.
	TargetExtra int64
	Impl        string
}

func DefaultConfig() Config {
	return Config{
		MaxSize:         jitterbuffer.DefaultSize,
		ResyncThreshold: jitterbuffer.DefaultResyncThreshold,
		Impl:            DefaultImpl,
	}
}

func isTrue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "y", "t", "1", "on":
		return true
	}
	return false
}

// Read applies one "jbxxx = value" configuration pair. Names are case
// insensitive. Out of range numbers leave the current value in place.
func (c *Config) Read(varname, value string) error {
	if len(varname) < len(ConfPrefix) || !strings.EqualFold(varname[:len(ConfPrefix)], ConfPrefix) {
		return fmt.Errorf("%w: %s", ErrUnknownOption, varname)
	}
	value = strings.TrimSpace(value)

	switch strings.ToLower(varname[len(ConfPrefix):]) {
	case "enable":
		c.Enabled = isTrue(value)
	case "force":
		c.Forced = isTrue(value)
	case "maxsize":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			c.MaxSize = n
		}
	case "resyncthreshold":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			c.ResyncThreshold = n
		}
	case "impl":
		if value != "" {
			c.Impl = value
		}
	case "targetextra":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			c.TargetExtra = n
		}
	case "log":
		c.Log = isTrue(value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOption, varname)
	}
	return nil
}

// LoadConfig reads every jb* key at the top level of v on top of the defaults.
// Keys without the jb prefix are ignored, unknown jb keys are an error.
func LoadConfig(v *viper.Viper) (Config, error) {
	conf := DefaultConfig()
	if v == nil {
		return conf, nil
	}

	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		if !strings.HasPrefix(key, ConfPrefix) || strings.Contains(key, ".") {
			continue
		}
		if err := conf.Read(key, v.GetString(key)); err != nil {
			return conf, err
		}
	}
	return conf, nil
}
