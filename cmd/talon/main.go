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
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/specterops/talon/internal/config"
	"github.com/specterops/talon/internal/home"
	"github.com/specterops/talon/internal/log"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "talon",
	Short: "Talon - engagement session inspector",
	Long: heredoc.Doc(`
		Talon inspects archived engagement sessions: the session tree,
		the merged trajectory timeline, and the shared engagement state.
	`),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Engagement data directory (default ~/.engagement)")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(trajectoryCmd)
	rootCmd.AddCommand(stateCmd)
}

// sessionsDir resolves the archive base: flag, then config, then home.
func sessionsDir() (string, error) {
	if dataDir != "" {
		return filepath.Join(dataDir, "sessions"), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "sessions"), nil
	}
	return home.Sessions()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "talon: %v\n", err)
	os.Exit(1)
}

func main() {
	defer func() { _ = log.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
