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

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/specterops/talon/internal/trajectory"
)

var trajectoryCmd = &cobra.Command{
	Use:   "trajectory <root-session-id>",
	Short: "Render the engagement timeline",
	Long: heredoc.Doc(`
		Render the archived trajectory of a root session as a timeline of
		reasoning blocks and tool calls across all of its sub-agents.

		Examples:
		  talon trajectory ses_018f2a61
	`),
	Args: cobra.ExactArgs(1),
	Run:  runTrajectory,
}

func runTrajectory(_ *cobra.Command, args []string) {
	base, err := sessionsDir()
	if err != nil {
		fatal(err)
	}
	store := trajectory.NewStore(base)
	log, err := store.Load(args[0])
	if err != nil {
		fatal(err)
	}
	if len(log.Entries) == 0 {
		fmt.Println("no trajectory recorded")
		return
	}
	fmt.Print(trajectory.FormatEngagementLog(log))
}
