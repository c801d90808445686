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
// Package home provides engagement directory utilities.
package home

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultLivePrefix is the prefix of per-engagement working directories
// under the system temp dir.
const DefaultLivePrefix = "talon"

// Dir returns the engagement home directory (~/.engagement by default,
// TALON_HOME overrides).
func Dir() (string, error) {
	if override := os.Getenv("TALON_HOME"); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".engagement"), nil
}

// Sessions returns the archive base directory; per-root archives live
// under <base>/<rootID>.
func Sessions() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// Live returns the live working directory for a root session,
// /tmp/<prefix>-session-<rootID>.
func Live(prefix, rootID string) string {
	if prefix == "" {
		prefix = DefaultLivePrefix
	}
	return filepath.Join(os.TempDir(), prefix+"-session-"+rootID)
}

// EnsureDir ensures the home directory exists.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0750)
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// Short returns a shortened path (replaces home with ~).
func Short(path string) string {
	home := userHome()
	if home != "" && strings.HasPrefix(path, home) && len(path) > len(home) {
		return "~" + path[len(home):]
	}
	return path
}
