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

package bytebuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "Empty", input: nil},
		{name: "Short", input: []byte("hello")},
		{name: "Binary", input: []byte{0x00, 0xff, 0x7f, 0x80}},
		{name: "Large", input: bytes.Repeat([]byte("x"), 8192)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			require.NoError(t, b.AddBytes(tt.input))
			assert.Equal(t, len(tt.input), b.Len())
			if len(tt.input) > 0 {
				assert.Equal(t, tt.input, b.Peek())
			}
		})
	}
}

func TestBufferDropTruncateTrim(t *testing.T) {
	b := New()
	require.NoError(t, b.AddString("  hello world  "))

	b.Trim()
	assert.Equal(t, []byte("hello world"), b.Peek())

	b.Drop(6)
	assert.Equal(t, []byte("world"), b.Peek())

	b.Truncate(3)
	assert.Equal(t, []byte("wor"), b.Peek())

	b.Drop(100)
	assert.Equal(t, 0, b.Len())
}

func TestBufferAddNumbers(t *testing.T) {
	b := New()
	require.NoError(t, b.AddInt(-42))
	require.NoError(t, b.AddUint(7))
	require.NoError(t, b.AddUintHex(0xbeef, true, 6))
	assert.Equal(t, []byte("-42700BEEF"), b.Peek())

	assert.ErrorIs(t, b.AddUintHex(0x1234, false, 2), ErrWidth)
}

func TestBufferAddUintBCD(t *testing.T) {
	tests := []struct {
		name     string
		n        uint64
		width    int
		expected []byte
		err      error
	}{
		{name: "Zero", n: 0, width: 1, expected: []byte{0x00}},
		{name: "TwoDigits", n: 42, width: 1, expected: []byte{0x42}},
		{name: "Padded", n: 42, width: 3, expected: []byte{0x00, 0x00, 0x42}},
		{name: "OddDigits", n: 123, width: 2, expected: []byte{0x01, 0x23}},
		{name: "TooWide", n: 12345, width: 1, err: ErrWidth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			err := b.AddUintBCD(tt.n, tt.width)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, b.Peek())
		})
	}
}

func TestBufferAddUintBin(t *testing.T) {
	b := New()
	require.NoError(t, b.AddUintBin(0x0102, 2, BigEndian))
	require.NoError(t, b.AddUintBin(0x0102, 2, LittleEndian))
	assert.Equal(t, []byte{0x01, 0x02, 0x02, 0x01}, b.Peek())

	assert.ErrorIs(t, b.AddUintBin(0x100, 1, BigEndian), ErrWidth)
}

func TestBufferAddJust(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		justify  Justify
		fill     byte
		width    int
		expected string
		err      error
	}{
		{name: "Right", input: "42", justify: JustifyRight, fill: '0', width: 5, expected: "00042"},
		{name: "Left", input: "ab", justify: JustifyLeft, fill: ' ', width: 4, expected: "ab  "},
		{name: "Center", input: "ab", justify: JustifyCenter, fill: '-', width: 5, expected: "-ab--"},
		{name: "TruncRight", input: "abcdef", justify: JustifyTruncRight, fill: ' ', width: 3, expected: "abc"},
		{name: "TruncLeft", input: "abcdef", justify: JustifyTruncLeft, fill: ' ', width: 3, expected: "def"},
		{name: "Overflow", input: "abcdef", justify: JustifyRight, fill: ' ', width: 3, err: ErrWidth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			err := b.AddJust([]byte(tt.input), tt.justify, tt.fill, tt.width)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(b.Peek()))
		})
	}
}

func TestBufferAddBytesReplace(t *testing.T) {
	b := New()
	require.NoError(t, b.AddBytesReplace([]byte("a-b-c"), []byte("-"), []byte("::")))
	assert.Equal(t, "a::b::c", string(b.Peek()))

	// 入参与自身存储重叠时必须失败且不破坏内容
	err := b.AddBytesReplace(b.Peek(), []byte(":"), []byte("x"))
	assert.ErrorIs(t, err, ErrAliased)
	assert.Equal(t, "a::b::c", string(b.Peek()))
}

func TestBufferDirectWrite(t *testing.T) {
	b := New()
	require.NoError(t, b.AddString("head"))

	slot, err := b.DirectWriteStart(8)
	require.NoError(t, err)
	n := copy(slot, "tail")
	b.DirectWriteEnd(n)

	assert.Equal(t, "headtail", string(b.Peek()))
}

func TestBufferFinishMerge(t *testing.T) {
	a := New()
	require.NoError(t, a.AddString("left"))

	b := New()
	require.NoError(t, b.AddString("right"))

	require.NoError(t, a.Merge(b))
	assert.Equal(t, "leftright", string(a.Peek()))
	assert.Equal(t, 0, b.Len())

	out := a.Finish()
	assert.Equal(t, "leftright", string(out))
	assert.Equal(t, 0, a.Len())
}

func TestBufferJoin(t *testing.T) {
	b := New()
	require.NoError(t, b.Join([]byte(", "), []byte("a"), []byte("b"), []byte("c")))
	assert.Equal(t, "a, b, c", string(b.Peek()))
}

func TestBitBuffer(t *testing.T) {
	bb := NewBitBuffer()
	require.NoError(t, bb.AddBitString("10 110", PadNone))
	assert.Equal(t, 5, bb.LenBits())

	require.NoError(t, bb.AddBits(0b101, 3))
	assert.Equal(t, 8, bb.LenBits())
	assert.Equal(t, []byte{0b10110101}, bb.Bytes())

	require.NoError(t, bb.AddBit(1))
	require.NoError(t, bb.FillToByte())
	assert.Equal(t, []byte{0b10110101, 0b10000000}, bb.Bytes())
}

func TestBitBufferTruncate(t *testing.T) {
	bb := NewBitBuffer()
	require.NoError(t, bb.AddBitString("11110000", PadNone))
	bb.Truncate(4)
	assert.Equal(t, 4, bb.LenBits())
	assert.Equal(t, []byte{0b11110000}, bb.Bytes())
}
