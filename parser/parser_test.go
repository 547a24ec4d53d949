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

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserMarkRewind(t *testing.T) {
	p := NewView([]byte("abcdefgh"))

	p.Consume(2)
	p.Mark()
	p.Consume(3)
	assert.Equal(t, 3, p.MarkLen())

	p.MarkRewind()
	assert.Equal(t, 6, p.Len())
	assert.Equal(t, byte('c'), p.Peek()[0])

	// 多轮 mark/consume/rewind 后位置始终回到标记点
	for i := 0; i < 3; i++ {
		p.Mark()
		p.Consume(i + 1)
		p.MarkRewind()
		assert.Equal(t, 6, p.Len())
	}
}

func TestParserReadUint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		base     int
		maxLen   int
		expected uint64
		rest     int
		err      bool
	}{
		{name: "Decimal", input: "12345x", base: 10, expected: 12345, rest: 1},
		{name: "Hex", input: "1Fg", base: 16, expected: 0x1f, rest: 1},
		{name: "MaxLen", input: "123456", base: 10, maxLen: 3, expected: 123, rest: 3},
		{name: "NoDigits", input: "xyz", base: 10, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewView([]byte(tt.input))
			n, err := p.ReadUint(tt.base, tt.maxLen)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidNumber)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
			assert.Equal(t, tt.rest, p.Len())
		})
	}
}

func TestParserReadInt(t *testing.T) {
	p := NewView([]byte("-42;"))
	n, err := p.ReadInt(10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), n)
	assert.Equal(t, 1, p.Len())

	// 解析失败时游标不动
	p = NewView([]byte("-x"))
	_, err = p.ReadInt(10, 0)
	assert.Error(t, err)
	assert.Equal(t, 2, p.Len())
}

func TestParserReadUintBCD(t *testing.T) {
	p := NewView([]byte{0x01, 0x23, 0x45})
	n, err := p.ReadUintBCD(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), n)

	// 非法 BCD 半字节
	p = NewView([]byte{0x1a})
	_, err = p.ReadUintBCD(1)
	assert.ErrorIs(t, err, ErrInvalidNumber)
	assert.Equal(t, 1, p.Len())
}

func TestParserReadHexDup(t *testing.T) {
	p := NewView([]byte{0xde, 0xad, 0xbe, 0xef})
	s, err := p.ReadHexDup(4)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", s)
	assert.Equal(t, 0, p.Len())
}

func TestParserReadStrBoundary(t *testing.T) {
	// boundary 完整出现 eat 为 true 时一并消费
	p := NewView([]byte("hello--END--world"))
	out, found, err := p.ReadStrBoundary([]byte("--END--"), true)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, "world", string(p.Peek()))

	// eat 为 false 时 boundary 留待下一次读取
	p = NewView([]byte("hello--END--world"))
	out, found, err = p.ReadStrBoundary([]byte("--END--"), false)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, "--END--world", string(p.Peek()))

	// 数据在可能的 boundary 前缀中途结束
	p = NewView([]byte("hello--EN"))
	out, found, err = p.ReadStrBoundary([]byte("--END--"), true)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, "--EN", string(p.Peek()))
}

func TestParserReadUntil(t *testing.T) {
	p := NewView([]byte("key=value"))
	out, found := p.ReadUntil([]byte("="), true)
	assert.True(t, found)
	assert.Equal(t, "key", string(out))
	assert.Equal(t, "value", string(p.Peek()))

	// 未找到时不消费任何数据
	_, found = p.ReadUntil([]byte("!"), true)
	assert.False(t, found)
	assert.Equal(t, "value", string(p.Peek()))
}

func TestParserSplitStrPat(t *testing.T) {
	p := NewView([]byte("a,b,c,d"))
	parts := p.SplitStrPat([]byte(","), 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "a", string(parts[0].Peek()))
	assert.Equal(t, "b", string(parts[1].Peek()))
	assert.Equal(t, "c,d", string(parts[2].Peek())) // 最后一个带剩余内容
	assert.Equal(t, 0, p.Len())

	p = NewView([]byte("x;y"))
	parts = p.SplitStrPat([]byte(";"), 0)
	require.Len(t, parts, 2)
	assert.Equal(t, "x", string(parts[0].Peek()))
	assert.Equal(t, "y", string(parts[1].Peek()))
}

func TestParserTruncate(t *testing.T) {
	p := NewView([]byte("value   \r\n"))
	p.TruncateCharset([]byte(" \r\n"))
	assert.Equal(t, "value", string(p.Peek()))

	p = NewView([]byte("path/to/file"))
	p.TruncateUntil('/')
	assert.Equal(t, "path/to/", string(p.Peek()))
}

func TestParserOwnedAppend(t *testing.T) {
	p := NewOwned([]byte("12"))
	require.NoError(t, p.Append([]byte("34")))
	n, err := p.ReadUint(10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), n)

	v := NewView([]byte("12"))
	assert.Error(t, v.Append([]byte("34")))
}
