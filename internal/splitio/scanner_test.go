// Copyright 2025 The eventio Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package splitio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanner(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Empty",
			input:    "",
			expected: nil,
		},
		{
			name:     "SingleLineNoLF",
			input:    "hello",
			expected: []string{"hello"},
		},
		{
			name:     "CRLFLines",
			input:    "a\r\nb\r\n",
			expected: []string{"a\r\n", "b\r\n"},
		},
		{
			name:     "LFOnly",
			input:    "a\nb",
			expected: []string{"a\n", "b"},
		},
		{
			name:     "BlankLines",
			input:    "\r\n\r\nx",
			expected: []string{"\r\n", "\r\n", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			scan := NewScanner([]byte(tt.input))
			for scan.Scan() {
				got = append(got, string(scan.Bytes()))
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}
