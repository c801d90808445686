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
// Package tvar extracts structured Thought-Verify-Action-Result blocks
// from model output.
package tvar

import (
	"regexp"
	"sort"
	"strings"
)

// Block is one parsed T-V-A-R unit. Start and End delimit the byte range
// of the block inside the source text.
type Block struct {
	Thought string
	Verify  string
	Action  string
	Result  string
	Phase   string
	Start   int
	End     int
}

// A thought without a following verify is not a block.
var blockRe = regexp.MustCompile(`(?is)<thought>(.*?)</thought>\s*<verify>(.*?)</verify>(?:\s*<action>(.*?)</action>)?(?:\s*<result>(.*?)</result>)?`)

// Engagement phases in classification priority order.
var phaseVocabulary = []struct {
	phase    string
	keywords []string
}{
	{"reconnaissance", []string{"recon", "scan", "nmap", "discover", "footprint", "osint", "sweep", "ping"}},
	{"enumeration", []string{"enumerat", "brute", "fuzz", "wordlist", "banner", "share", "directory listing", "user list", "smb", "snmp"}},
	{"exploitation", []string{"exploit", "payload", "injection", "sqli", "xss", "overflow", "metasploit", "cve-", "reverse shell", "rce"}},
	{"post_exploitation", []string{"privilege", "escalat", "persist", "lateral", "pivot", "loot", "exfil", "hashdump", "dump cred", "root access"}},
	{"reporting", []string{"report", "summariz", "summary", "document", "writeup", "finding"}},
}

// Parse extracts all TVAR blocks from text in document order.
func Parse(text string) []Block {
	matches := blockRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		b := Block{
			Thought: strings.TrimSpace(group(text, m, 1)),
			Verify:  strings.TrimSpace(group(text, m, 2)),
			Action:  strings.TrimSpace(group(text, m, 3)),
			Result:  strings.TrimSpace(group(text, m, 4)),
			Start:   m[0],
			End:     m[1],
		}
		b.Phase = ClassifyPhase(b.Thought + " " + b.Verify)
		blocks = append(blocks, b)
	}
	return blocks
}

func group(text string, m []int, n int) string {
	if m[2*n] < 0 {
		return ""
	}
	return text[m[2*n]:m[2*n+1]]
}

// ClassifyPhase matches text against the phase vocabularies; the first
// phase with a keyword hit wins, otherwise "".
func ClassifyPhase(text string) string {
	lowered := strings.ToLower(text)
	for _, entry := range phaseVocabulary {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				return entry.phase
			}
		}
	}
	return ""
}

// Strip removes the parsed block ranges from text, highest index first so
// earlier offsets stay valid.
func Strip(text string, blocks []Block) string {
	if len(blocks) == 0 {
		return text
	}
	sorted := make([]Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })
	for _, b := range sorted {
		if b.Start < 0 || b.End > len(text) || b.Start > b.End {
			continue
		}
		text = text[:b.Start] + text[b.End:]
	}
	return text
}
