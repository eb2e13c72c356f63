// Package config loads the rebuilding supervisor's tunables from a
// named *.toml file, searching the working directory, then a per-app
// home directory, then /etc.
package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/seaweedfs/placement/internal/glog"
)

// Recognised configuration keys, per the configuration surface.
const (
	EnableSelfInitiatedRebuilding      = "enable_self_initiated_rebuilding"
	DisableDataLogRebuilding           = "disable_data_log_rebuilding"
	SelfInitiatedRebuildingGracePeriod = "self_initiated_rebuilding_grace_period"
	MaxNodeRebuildingPercentage        = "max_node_rebuilding_percentage"
	MaxRebuildingTriggerQueueSize      = "max_rebuilding_trigger_queue_size"
	EventLogGracePeriod                = "event_log_grace_period"
	UseLegacyLogToShardMapping         = "use_legacy_log_to_shard_mapping_in_rebuilding"
	MinGossipsForStableState           = "min_gossips_for_stable_state"
)

// Surface is the read side of the configuration surface, implemented by
// *Config and by anything that layers process-local overrides on top
// (see internal/admin).
type Surface interface {
	GetBool(key string) bool
	GetInt(key string) int
	GetDuration(key string) time.Duration
	GetString(key string) string
	SetDefault(key string, value interface{})
}

// Config wraps a *viper.Viper with the defaults this subsystem needs.
type Config struct {
	mu sync.Mutex
	v  *viper.Viper
}

// New returns a Config with the recognised keys defaulted to the
// production-safe values from the configuration surface.
func New() *Config {
	v := viper.New()
	v.SetDefault(EnableSelfInitiatedRebuilding, true)
	v.SetDefault(DisableDataLogRebuilding, false)
	v.SetDefault(SelfInitiatedRebuildingGracePeriod, 2*time.Minute)
	v.SetDefault(MaxNodeRebuildingPercentage, 2)
	v.SetDefault(MaxRebuildingTriggerQueueSize, 1000)
	v.SetDefault(EventLogGracePeriod, 5*time.Second)
	v.SetDefault(UseLegacyLogToShardMapping, false)
	v.SetDefault(MinGossipsForStableState, 3)
	return &Config{v: v}
}

// Load merges a named *.toml file (without extension) from the working
// directory, $HOME/.<appName>, and /etc/<appName>/ into the defaults
// established by New. A missing file is not an error unless required.
func (c *Config) Load(appName, configFileName string, required bool) (loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.v.SetConfigName(configFileName)
	c.v.AddConfigPath(".")
	c.v.AddConfigPath("$HOME/." + appName)
	c.v.AddConfigPath("/etc/" + appName + "/")

	if err := c.v.MergeInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") && !required {
			glog.V(1).Infof("reading %s.toml: %v", configFileName, err)
		} else {
			glog.Errorf("reading %s.toml: %v", configFileName, err)
		}
		return false
	}
	glog.V(1).Infof("loaded %s.toml from %s", configFileName, c.v.ConfigFileUsed())
	return true
}

func (c *Config) GetBool(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetBool(key)
}

func (c *Config) GetInt(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetInt(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetDuration(key)
}

func (c *Config) GetString(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetString(key)
}

func (c *Config) SetDefault(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.SetDefault(key, value)
}
