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
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func newError(format string, args ...any) error {
	format = "bytebuf: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrOverflow 需要的容量超过了可分配上限
	ErrOverflow = newError("capacity overflow")

	// ErrAliased 入参与自身存储区域重叠
	ErrAliased = newError("source aliases buffer contents")

	// ErrWidth 数值无法在给定宽度内表示
	ErrWidth = newError("value does not fit width")
)

const (
	// minCapacity 初始分配容量 扩容时按倍数增长
	minCapacity = 1024
)

// Endian 多字节整数的排列方式
type Endian uint8

const (
	BigEndian Endian = iota
	LittleEndian
)

// Justify 对齐填充模式
//
// Trunc 系列在内容超宽时做截断 其余模式超宽视为错误
type Justify uint8

const (
	JustifyRight Justify = iota
	JustifyLeft
	JustifyCenter
	JustifyTruncRight
	JustifyTruncLeft
)

// Buffer 可增长的字节容器
//
// 内部维护 consumed 前缀标记 Drop 操作仅挪动标记而不搬移内存
// 尾部始终保留一个隐藏的 NUL 字节 使 Peek 的返回值可以直接作为 C 风格字符串边界
//
// Buffer 非并发安全 调用方需自行串行化
type Buffer struct {
	data     []byte
	consumed int
	length   int
}

// New 创建并返回 *Buffer 实例
func New() *Buffer {
	return &Buffer{}
}

// Len 返回有效字节数 不包含已消费前缀
func (b *Buffer) Len() int {
	return b.length
}

// Peek 返回有效字节的只读视图 禁止修改
func (b *Buffer) Peek() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[b.consumed : b.consumed+b.length]
}

// ensure 保证尾部至少还有 n+1 字节可写 先压缩再扩容
func (b *Buffer) ensure(n int) error {
	if n <= 0 {
		return nil
	}

	// 尾部空间足够 直接返回
	if b.consumed+b.length+n+1 <= len(b.data) {
		return nil
	}

	// 压缩 将有效数据搬移至起始位置回收前缀空间
	if b.consumed > 0 {
		copy(b.data, b.data[b.consumed:b.consumed+b.length])
		b.consumed = 0
	}
	if b.length+n+1 <= len(b.data) {
		return nil
	}

	need := b.length + n + 1
	if need > math.MaxInt/2 {
		return ErrOverflow
	}

	capacity := len(b.data)
	if capacity < minCapacity {
		capacity = minCapacity
	}
	for capacity < need {
		capacity *= 2
	}

	grown := make([]byte, capacity)
	copy(grown, b.data[:b.length])
	b.data = grown
	return nil
}

// AddBytes 追加字节切片
func (b *Buffer) AddBytes(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := b.ensure(len(p)); err != nil {
		return err
	}
	copy(b.data[b.consumed+b.length:], p)
	b.length += len(p)
	b.data[b.consumed+b.length] = 0
	return nil
}

// AddString 追加字符串
func (b *Buffer) AddString(s string) error {
	if len(s) == 0 {
		return nil
	}
	if err := b.ensure(len(s)); err != nil {
		return err
	}
	copy(b.data[b.consumed+b.length:], s)
	b.length += len(s)
	b.data[b.consumed+b.length] = 0
	return nil
}

// AddByte 追加单个字节
func (b *Buffer) AddByte(c byte) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.data[b.consumed+b.length] = c
	b.length++
	b.data[b.consumed+b.length] = 0
	return nil
}

// AddFill 追加 n 个相同的填充字节
func (b *Buffer) AddFill(c byte, n int) error {
	if n <= 0 {
		return nil
	}
	if err := b.ensure(n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		b.data[b.consumed+b.length+i] = c
	}
	b.length += n
	b.data[b.consumed+b.length] = 0
	return nil
}

// AddInt 以十进制文本追加有符号整数
func (b *Buffer) AddInt(n int64) error {
	return b.AddString(strconv.FormatInt(n, 10))
}

// AddUint 以十进制文本追加无符号整数
func (b *Buffer) AddUint(n uint64) error {
	return b.AddString(strconv.FormatUint(n, 10))
}

// AddUintHex 以十六进制文本追加无符号整数 width 为 0 表示自然宽度
//
// 数值位数超过 width 时返回 ErrWidth 不足时左侧补 '0'
func (b *Buffer) AddUintHex(n uint64, upper bool, width int) error {
	s := strconv.FormatUint(n, 16)
	if upper {
		s = strings.ToUpper(s)
	}
	if width > 0 && len(s) > width {
		return ErrWidth
	}
	if len(s) < width {
		if err := b.AddFill('0', width-len(s)); err != nil {
			return err
		}
	}
	return b.AddString(s)
}

// AddUintBCD 以 packed-BCD 形式追加无符号整数 每字节打包两个十进制位
//
// 前置条件: n 缩放后可以在 width 字节内表示 超宽返回 ErrWidth
func (b *Buffer) AddUintBCD(n uint64, width int) error {
	digits := numDigits(n)
	packed := digits/2 + digits%2
	if packed > width {
		return ErrWidth
	}
	if packed < width {
		if err := b.AddFill(0, width-packed); err != nil {
			return err
		}
	}
	if n == 0 {
		return b.AddByte(0)
	}

	var tmp [10]byte
	var i int
	for ; n > 0; i++ {
		tmp[i] = byte(n % 100)
		n /= 100
	}
	for i > 0 {
		i--
		if err := b.AddByte((tmp[i] / 10 << 4) | tmp[i] % 10); err != nil {
			return err
		}
	}
	return nil
}

// AddUintBin 以固定宽度的二进制形式追加无符号整数
//
// width 取值 1..8 数值超出宽度可表示范围时返回 ErrWidth
func (b *Buffer) AddUintBin(n uint64, width int, endian Endian) error {
	if width < 1 || width > 8 {
		return ErrWidth
	}
	if width < 8 && n >= uint64(1)<<(uint(width)*8) {
		return ErrWidth
	}

	if err := b.ensure(width); err != nil {
		return err
	}
	pos := b.consumed + b.length
	for i := 0; i < width; i++ {
		shift := uint(width-1-i) * 8
		if endian == LittleEndian {
			shift = uint(i) * 8
		}
		b.data[pos+i] = byte(n >> shift)
	}
	b.length += width
	b.data[b.consumed+b.length] = 0
	return nil
}

// AddJust 按对齐模式追加并填充/截断至 width 宽度
func (b *Buffer) AddJust(p []byte, justify Justify, fill byte, width int) error {
	if width <= 0 {
		return nil
	}

	if len(p) > width {
		switch justify {
		case JustifyTruncRight:
			p = p[:width]
		case JustifyTruncLeft:
			p = p[len(p)-width:]
		default:
			return ErrWidth
		}
	}

	pad := width - len(p)
	switch justify {
	case JustifyLeft, JustifyTruncRight:
		if err := b.AddBytes(p); err != nil {
			return err
		}
		return b.AddFill(fill, pad)

	case JustifyCenter:
		if err := b.AddFill(fill, pad/2); err != nil {
			return err
		}
		if err := b.AddBytes(p); err != nil {
			return err
		}
		return b.AddFill(fill, pad-pad/2)

	default: // JustifyRight / JustifyTruncLeft
		if err := b.AddFill(fill, pad); err != nil {
			return err
		}
		return b.AddBytes(p)
	}
}

// AddBytesReplace 遍历 src 将所有 search 片段替换为 replace 后追加
//
// src 的起始地址与自身 Peek 的起始地址相同时返回 ErrAliased 且不修改任何状态
// 仅比较起始地址 起点不同的部分重叠不做检测
func (b *Buffer) AddBytesReplace(src []byte, search []byte, replace []byte) error {
	if len(search) == 0 {
		return newError("empty search bytes")
	}
	if len(src) == 0 {
		return nil
	}
	if b.length > 0 && &src[0] == &b.data[b.consumed] {
		return ErrAliased
	}

	for {
		idx := bytes.Index(src, search)
		if idx < 0 {
			break
		}
		if err := b.AddBytes(src[:idx]); err != nil {
			return err
		}
		if err := b.AddBytes(replace); err != nil {
			return err
		}
		src = src[idx+len(search):]
	}
	return b.AddBytes(src)
}

// Codec 字节转换器 供 AddEncode/AddDecode 挂接外部编解码实现
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// AddEncode 将 src 经 codec 编码后追加
func (b *Buffer) AddEncode(codec Codec, src []byte) error {
	out, err := codec.Encode(src)
	if err != nil {
		return err
	}
	return b.AddBytes(out)
}

// AddDecode 将 src 经 codec 解码后追加
func (b *Buffer) AddDecode(codec Codec, src []byte) error {
	out, err := codec.Decode(src)
	if err != nil {
		return err
	}
	return b.AddBytes(out)
}

// Drop 丢弃前 n 个字节 仅挪动已消费标记
func (b *Buffer) Drop(n int) {
	if n >= b.length {
		b.consumed = 0
		b.length = 0
		return
	}
	b.consumed += n
	b.length -= n
}

// Truncate 仅保留前 n 个字节
func (b *Buffer) Truncate(n int) {
	if n >= b.length {
		return
	}
	if n < 0 {
		n = 0
	}
	b.length = n
	if b.data != nil {
		b.data[b.consumed+b.length] = 0
	}
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}

// Trim 去除首尾空白字符
func (b *Buffer) Trim() {
	for b.length > 0 && isSpace(b.data[b.consumed]) {
		b.consumed++
		b.length--
	}
	for b.length > 0 && isSpace(b.data[b.consumed+b.length-1]) {
		b.length--
	}
	if b.length == 0 {
		b.consumed = 0
	}
	if b.data != nil {
		b.data[b.consumed+b.length] = 0
	}
}

// DirectWriteStart 返回长度为 n 的可写尾部切片 用于免中转拷贝的写入
//
// 与 DirectWriteEnd 必须成对出现 期间不允许执行其他修改操作
// 注意扩容可能搬移内存 此前通过 Peek 拿到的切片视图会失效
func (b *Buffer) DirectWriteStart(n int) ([]byte, error) {
	if err := b.ensure(n); err != nil {
		return nil, err
	}
	pos := b.consumed + b.length
	return b.data[pos : pos+n], nil
}

// DirectWriteEnd 提交 DirectWriteStart 中实际写入的字节数
func (b *Buffer) DirectWriteEnd(actual int) {
	if actual < 0 {
		actual = 0
	}
	b.length += actual
	b.data[b.consumed+b.length] = 0
}

// Finish 取出有效字节并重置 Buffer
func (b *Buffer) Finish() []byte {
	p := b.Peek()
	b.data = nil
	b.consumed = 0
	b.length = 0
	return p
}

// Merge 将 other 的内容追加进来并重置 other
func (b *Buffer) Merge(other *Buffer) error {
	if other == nil {
		return nil
	}
	if err := b.AddBytes(other.Peek()); err != nil {
		return err
	}
	other.data = nil
	other.consumed = 0
	other.length = 0
	return nil
}

// Join 以 sep 作为分隔符拼接多个片段
func (b *Buffer) Join(sep []byte, parts ...[]byte) error {
	for i, p := range parts {
		if i > 0 {
			if err := b.AddBytes(sep); err != nil {
				return err
			}
		}
		if err := b.AddBytes(p); err != nil {
			return err
		}
	}
	return nil
}

func numDigits(n uint64) int {
	if n == 0 {
		return 1
	}
	var d int
	for n > 0 {
		d++
		n /= 10
	}
	return d
}
