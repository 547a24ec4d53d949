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

package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelsHash(t *testing.T) {
	ls := Labels{
		{Name: "handle", Value: "h1"},
		{Name: "direction", Value: "in"},
	}

	// 相同内容的标签集哈希一致
	assert.Equal(t, ls.Hash(), ls.Hash())

	// 值不同则哈希不同
	other := Labels{
		{Name: "handle", Value: "h2"},
		{Name: "direction", Value: "in"},
	}
	assert.NotEqual(t, ls.Hash(), other.Hash())
}

func TestLabelsSorted(t *testing.T) {
	ls := Labels{
		{Name: "b", Value: "2"},
		{Name: "a", Value: "1"},
	}

	sorted := ls.Sorted()
	assert.Equal(t, "a", sorted[0].Name)
	assert.Equal(t, "b", sorted[1].Name)
	// 原切片不被修改
	assert.Equal(t, "b", ls[0].Name)
}
