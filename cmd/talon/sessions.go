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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/specterops/talon/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect archived sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived root sessions",
	Long: heredoc.Doc(`
		List every archived root session with its title and creation time.

		Examples:
		  talon sessions list
		  talon sessions list --data-dir /srv/engagements
	`),
	Run: runSessionsList,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
}

func runSessionsList(_ *cobra.Command, _ []string) {
	base, err := sessionsDir()
	if err != nil {
		fatal(err)
	}
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		fmt.Println("no archived sessions")
		return
	}
	if err != nil {
		fatal(err)
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(base, entry.Name(), "session.json"))
		if err != nil {
			continue
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		created := time.UnixMilli(sess.CreatedAt).Format("2006-01-02 15:04")
		fmt.Printf("%s  %s  %s\n", sess.ID, created, sess.Title)
		count++
	}
	if count == 0 {
		fmt.Println("no archived sessions")
	}
}
