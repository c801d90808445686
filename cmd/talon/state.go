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
)

var stateCmd = &cobra.Command{
	Use:   "state <root-session-id>",
	Short: "Print the engagement state document",
	Long: heredoc.Doc(`
		Print the merged engagement state (state.yaml) of a root session.

		Examples:
		  talon state ses_018f2a61
	`),
	Args: cobra.ExactArgs(1),
	Run:  runState,
}

func runState(_ *cobra.Command, args []string) {
	base, err := sessionsDir()
	if err != nil {
		fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(base, args[0], "state.yaml"))
	if os.IsNotExist(err) {
		fmt.Println("no engagement state recorded")
		return
	}
	if err != nil {
		fatal(err)
	}
	fmt.Print(string(data))
}
