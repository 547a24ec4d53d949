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
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"
)

func newError(format string, args ...any) error {
	format = "parser: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrMoreData 数据不足 等待更多输入后重试
	ErrMoreData = newError("more data required")

	// ErrInvalidNumber 当前游标处无法解析出合法数值
	ErrInvalidNumber = newError("invalid number")
)

// Parser 字节区间上的游标读取器
//
// 持有模式分两种
// * 只读视图: 外部字节的非持有引用 不允许追加
// * 自持有: 内部拷贝 允许 Append 增长
//
// 不变式 0 <= mark <= pos <= len(data)
type Parser struct {
	data  []byte
	pos   int
	mark  int
	owned bool
}

// NewView 创建只读视图 Parser 不拷贝输入数据
func NewView(p []byte) *Parser {
	return &Parser{data: p}
}

// NewOwned 创建自持有 Parser 拷贝一份输入
func NewOwned(p []byte) *Parser {
	return &Parser{data: bytes.Clone(p), owned: true}
}

// Append 追加数据 仅自持有模式允许
func (p *Parser) Append(b []byte) error {
	if !p.owned {
		return newError("append on read-only view")
	}
	p.data = append(p.data, b...)
	return nil
}

// Len 返回未读字节数
func (p *Parser) Len() int {
	return len(p.data) - p.pos
}

// Peek 返回未读字节的只读视图
func (p *Parser) Peek() []byte {
	return p.data[p.pos:]
}

// ReadByte 读取单个字节
func (p *Parser) ReadByte() (byte, error) {
	if p.Len() == 0 {
		return 0, ErrMoreData
	}
	c := p.data[p.pos]
	p.pos++
	return c, nil
}

// ReadBytes 读取 n 个字节 数据不足返回 ErrMoreData 且不消费
func (p *Parser) ReadBytes(n int) ([]byte, error) {
	if p.Len() < n {
		return nil, ErrMoreData
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

// Consume 消费 n 个字节 n 超出未读长度时消费全部
func (p *Parser) Consume(n int) {
	if n > p.Len() {
		n = p.Len()
	}
	p.pos += n
}

// Mark 在当前位置打标记
func (p *Parser) Mark() {
	p.mark = p.pos
}

// MarkRewind 回退至最近一次标记位置
func (p *Parser) MarkRewind() {
	p.pos = p.mark
}

// MarkLen 返回标记位置至当前位置的字节数
func (p *Parser) MarkLen() int {
	return p.pos - p.mark
}

func digitVal(c byte, base int) (int, bool) {
	var v int
	switch {
	case c >= '0' && c <= '9':
		v = int(c - '0')
	case c >= 'a' && c <= 'z':
		v = int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		v = int(c-'A') + 10
	default:
		return 0, false
	}
	if v >= base {
		return 0, false
	}
	return v, true
}

// ReadUint 按 base 进制读取无符号整数 最多消费 maxLen 个字符
//
// maxLen 为 0 表示不限制 游标停在首个非法字符处
func (p *Parser) ReadUint(base int, maxLen int) (uint64, error) {
	if base < 2 || base > 36 {
		return 0, newError("invalid base %d", base)
	}

	var n uint64
	var read int
	for p.Len() > 0 {
		if maxLen > 0 && read == maxLen {
			break
		}
		v, ok := digitVal(p.data[p.pos], base)
		if !ok {
			break
		}
		n = n*uint64(base) + uint64(v)
		p.pos++
		read++
	}
	if read == 0 {
		return 0, ErrInvalidNumber
	}
	return n, nil
}

// ReadInt 按 base 进制读取有符号整数 支持前导 '-' 或 '+'
func (p *Parser) ReadInt(base int, maxLen int) (int64, error) {
	neg := false
	rollback := p.pos
	if p.Len() > 0 {
		switch p.data[p.pos] {
		case '-':
			neg = true
			p.pos++
		case '+':
			p.pos++
		}
	}

	n, err := p.ReadUint(base, maxLen)
	if err != nil {
		p.pos = rollback
		return 0, err
	}
	if neg {
		return -int64(n), nil
	}
	return int64(n), nil
}

// ReadUintBCD 读取 width 字节的 packed-BCD 数值
func (p *Parser) ReadUintBCD(width int) (uint64, error) {
	b, err := p.ReadBytes(width)
	if err != nil {
		return 0, err
	}

	var n uint64
	for _, c := range b {
		hi, lo := c>>4, c&0x0f
		if hi > 9 || lo > 9 {
			p.pos -= width
			return 0, ErrInvalidNumber
		}
		n = n*100 + uint64(hi)*10 + uint64(lo)
	}
	return n, nil
}

// ReadHexDup 读取 n 个字节并返回其十六进制文本
func (p *Parser) ReadHexDup(n int) (string, error) {
	b, err := p.ReadBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ReadStrBoundary 读取至 boundary 出现为止
//
// boundary 完整出现时返回其之前的内容 found 为 true eat 为 true 时一并消费 boundary
// 若数据在一个 `可能的` boundary 前缀中途结束 则返回前缀之前的内容并保留前缀 found 为 false
func (p *Parser) ReadStrBoundary(boundary []byte, eat bool) ([]byte, bool, error) {
	if len(boundary) == 0 {
		return nil, false, newError("empty boundary")
	}

	rest := p.data[p.pos:]
	idx := bytes.Index(rest, boundary)
	if idx >= 0 {
		out := rest[:idx]
		p.pos += idx
		if eat {
			p.pos += len(boundary)
		}
		return out, true, nil
	}

	// 保留可能是 boundary 前缀的尾部 等待后续数据拼接
	hold := longestBoundaryPrefix(rest, boundary)
	out := rest[:len(rest)-hold]
	p.pos += len(out)
	return out, false, nil
}

// longestBoundaryPrefix 返回 rest 尾部与 boundary 前缀重叠的最大长度
func longestBoundaryPrefix(rest []byte, boundary []byte) int {
	max := len(boundary) - 1
	if max > len(rest) {
		max = len(rest)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(rest[len(rest)-n:], boundary[:n]) {
			return n
		}
	}
	return 0
}

// ReadUntil 读取至 pattern 出现为止 found 为 false 时不消费任何数据
func (p *Parser) ReadUntil(pattern []byte, eat bool) ([]byte, bool) {
	idx := bytes.Index(p.data[p.pos:], pattern)
	if idx < 0 {
		return nil, false
	}
	out := p.data[p.pos : p.pos+idx]
	p.pos += idx
	if eat {
		p.pos += len(pattern)
	}
	return out, true
}

// SplitStrPat 以字面 pattern 为分隔将未读区间切分为至多 limit 个子 Parser
//
// limit 为 0 表示不限制 最后一个子 Parser 携带剩余全部内容 原游标消费至末尾
func (p *Parser) SplitStrPat(pattern []byte, limit int) []*Parser {
	var out []*Parser
	for {
		if limit > 0 && len(out) == limit-1 {
			break
		}
		idx := bytes.Index(p.data[p.pos:], pattern)
		if idx < 0 {
			break
		}
		out = append(out, NewView(p.data[p.pos:p.pos+idx]))
		p.pos += idx + len(pattern)
	}
	out = append(out, NewView(p.data[p.pos:]))
	p.pos = len(p.data)
	return out
}

// TruncateWhile 从尾部丢弃满足 predicate 的字节
func (p *Parser) TruncateWhile(predicate func(byte) bool) {
	end := len(p.data)
	for end > p.pos && predicate(p.data[end-1]) {
		end--
	}
	p.data = p.data[:end]
	if p.mark > end {
		p.mark = end
	}
}

// TruncateCharset 从尾部丢弃属于 charset 的字节
func (p *Parser) TruncateCharset(charset []byte) {
	p.TruncateWhile(func(c byte) bool {
		return bytes.IndexByte(charset, c) >= 0
	})
}

// TruncateUntil 从尾部丢弃字节直到遇见 c 本身保留
func (p *Parser) TruncateUntil(c byte) {
	p.TruncateWhile(func(b byte) bool {
		return b != c
	})
}
