// Copyright 2026 The Talon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package config loads talon configuration.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/specterops/talon/internal/home"
	"github.com/specterops/talon/internal/log"
)

// Experimental holds feature toggles that change loop behavior.
type Experimental struct {
	// ContinueLoopOnDeny keeps the agent loop running after a permission
	// denial instead of stopping at the next step boundary.
	ContinueLoopOnDeny bool `mapstructure:"continue_loop_on_deny"`
	// PrimaryTools lists tools preferred by routing heuristics.
	PrimaryTools []string `mapstructure:"primary_tools"`
}

// Config is the resolved talon configuration.
type Config struct {
	// DataDir overrides the engagement home directory.
	DataDir string `mapstructure:"data_dir"`
	// LiveDirPrefix names the /tmp working-copy prefix.
	LiveDirPrefix string `mapstructure:"live_dir_prefix"`
	// McpTools lists tool names served over MCP whose output envelopes
	// carry raw_output payloads.
	McpTools []string `mapstructure:"mcp_tools"`

	Experimental Experimental `mapstructure:"experimental"`

	mu       sync.RWMutex
	onChange []func()
	v        *viper.Viper
}

// Load reads config.yaml from the engagement home (plus TALON_* env
// overrides). A missing file yields defaults.
func Load() (*Config, error) {
	dir, err := home.Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, "config.yaml"))
}

// LoadFrom reads the configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TALON")
	v.AutomaticEnv()
	v.SetDefault("live_dir_prefix", home.DefaultLivePrefix)

	if err := v.ReadInConfig(); err != nil {
		// Defaults apply when the file does not exist; anything else is a
		// real parse failure.
		var notFound viper.ConfigFileNotFoundError
		if !os.IsNotExist(err) && !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads the file on change and runs registered callbacks.
func (c *Config) Watch() {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config changed, reloading", zap.String("file", e.Name))
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.DataDir = fresh.DataDir
		c.LiveDirPrefix = fresh.LiveDirPrefix
		c.McpTools = fresh.McpTools
		c.Experimental = fresh.Experimental
		callbacks := make([]func(), len(c.onChange))
		copy(callbacks, c.onChange)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})
	c.v.WatchConfig()
}

// OnChange registers a callback invoked after each reload.
func (c *Config) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// McpToolNames returns the configured MCP tool names.
func (c *Config) McpToolNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.McpTools))
	copy(names, c.McpTools)
	return names
}

// NotifyChange runs the registered change callbacks. Used by tests and by
// callers that mutate configuration programmatically.
func (c *Config) NotifyChange() {
	c.mu.RLock()
	callbacks := make([]func(), len(c.onChange))
	copy(callbacks, c.onChange)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}
