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
package tvar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTwoBlocksAndStrip(t *testing.T) {
	input := "pre<thought>A</thought><verify>B</verify>mid<thought>C</thought><verify>D</verify>post"

	blocks := Parse(input)
	require.Len(t, blocks, 2)
	assert.Equal(t, "A", blocks[0].Thought)
	assert.Equal(t, "B", blocks[0].Verify)
	assert.Equal(t, "C", blocks[1].Thought)
	assert.Equal(t, "D", blocks[1].Verify)
	assert.Empty(t, blocks[0].Phase, "no keywords means no phase")

	stripped := Strip(input, blocks)
	assert.Equal(t, "premidpost", stripped)
	assert.Empty(t, Parse(stripped), "stripped text reparses to zero blocks")
}

func TestParseOptionalFields(t *testing.T) {
	input := "<thought>t</thought>\n<verify>v</verify>\n<action>run nmap</action>\n<result>22 open</result>"
	blocks := Parse(input)
	require.Len(t, blocks, 1)
	assert.Equal(t, "run nmap", blocks[0].Action)
	assert.Equal(t, "22 open", blocks[0].Result)
}

func TestParseCaseInsensitive(t *testing.T) {
	input := "<Thought>t</THOUGHT> <VERIFY>v</Verify>"
	blocks := Parse(input)
	require.Len(t, blocks, 1)
	assert.Equal(t, "t", blocks[0].Thought)
	assert.Equal(t, "v", blocks[0].Verify)
}

func TestLoneThoughtIgnored(t *testing.T) {
	assert.Empty(t, Parse("<thought>orphan</thought> trailing text"))
	assert.Empty(t, Parse("<thought>orphan</thought><action>a</action>"))
}

func TestClassifyPhase(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"run an nmap scan of the subnet", "reconnaissance"},
		{"brute force the login with a wordlist", "enumeration"},
		{"deliver the sqli payload", "exploitation"},
		{"escalate privileges and establish persistence", "post_exploitation"},
		{"write up the final finding", "reporting"},
		{"nothing relevant here", ""},
		// first match wins across vocabularies
		{"scan results suggest an exploit", "reconnaissance"},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyPhase(tc.text))
		})
	}
}

func TestStripRoundTripProperty(t *testing.T) {
	inputs := []string{
		"<thought>scan the host</thought><verify>host is in scope</verify>tail",
		"a<thought>x</thought>  <verify>y</verify>b<thought>p</thought><verify>q</verify><action>z</action>c",
		"no blocks at all",
		"<thought>only</thought> no verify",
	}
	for _, input := range inputs {
		blocks := Parse(input)
		stripped := Strip(input, blocks)
		assert.Empty(t, Parse(stripped), "input %q", input)
	}
}
