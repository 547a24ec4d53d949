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

package phttp2

import (
	"golang.org/x/net/http2/hpack"
)

// HeaderField HTTP/2 中的 header 实体
type HeaderField struct {
	Name  string
	Value string
}

// size 表项的记账大小 RFC 7541 §4.1 每条固定 32 字节开销
func (hf HeaderField) size() int {
	return len(hf.Name) + len(hf.Value) + 32
}

var (
	errTruncated       = newError("hpack: truncated input")
	errIndexOutOfRange = newError("hpack: index out of range")
	errHuffman         = newError("hpack: invalid huffman string")
	errTableSizeUpdate = newError("hpack: table size update exceeds maximum")
)

// hpackDefaultTableSize 动态表默认容量 RFC 7540 SETTINGS_HEADER_TABLE_SIZE 初始值
const hpackDefaultTableSize = 4096

// dynamicTable 有界 FIFO 的动态表 最新表项排在最前
//
// 容量按 name+value+32 记账 插入时从尾部逐出直到新表项放得下
// 单条超过容量的表项会清空整表且不入表
type dynamicTable struct {
	entries []HeaderField
	size    int
	maxSize int
	// peerMax 对端 SETTINGS 宣告的上限 表内 size-update 不允许超过它
	peerMax int
}

func newDynamicTable() *dynamicTable {
	return &dynamicTable{
		maxSize: hpackDefaultTableSize,
		peerMax: hpackDefaultTableSize,
	}
}

// setPeerMax 应用对端 SETTINGS_HEADER_TABLE_SIZE
func (dt *dynamicTable) setPeerMax(n int) {
	dt.peerMax = n
	if dt.maxSize > n {
		dt.resize(n)
	}
}

// resize 调整容量 从尾部逐出直到满足新上限
func (dt *dynamicTable) resize(n int) {
	dt.maxSize = n
	dt.evict()
}

func (dt *dynamicTable) evict() {
	for dt.size > dt.maxSize && len(dt.entries) > 0 {
		last := dt.entries[len(dt.entries)-1]
		dt.entries = dt.entries[:len(dt.entries)-1]
		dt.size -= last.size()
	}
}

// add 头插新表项 放不下时先逐出最旧的表项
func (dt *dynamicTable) add(hf HeaderField) {
	if hf.size() > dt.maxSize {
		// 超大表项清空整表 自身不入表
		dt.entries = nil
		dt.size = 0
		return
	}
	dt.entries = append([]HeaderField{hf}, dt.entries...)
	dt.size += hf.size()
	dt.evict()
}

// at 按 1 起的动态表内索引取表项
func (dt *dynamicTable) at(i int) (HeaderField, bool) {
	if i < 1 || i > len(dt.entries) {
		return HeaderField{}, false
	}
	return dt.entries[i-1], true
}

// Decoder 增量式 HPACK 解码器 单条链接内所有 Stream 共享
//
// 解码器维护静态表加动态表的拼接索引空间
// 1..61 为静态表 62 起为动态表 最新插入的表项索引最小
type Decoder struct {
	dt *dynamicTable
}

// NewDecoder 创建并返回 *Decoder 实例
func NewDecoder() *Decoder {
	return &Decoder{
		dt: newDynamicTable(),
	}
}

// SetMaxTableSize 应用对端 SETTINGS 宣告的动态表上限
func (d *Decoder) SetMaxTableSize(n int) {
	d.dt.setPeerMax(n)
}

// TableSize 返回动态表当前记账大小
func (d *Decoder) TableSize() int {
	return d.dt.size
}

// lookup 按拼接索引空间取表项
func (d *Decoder) lookup(idx int) (HeaderField, error) {
	if idx >= 1 && idx <= len(staticTable) {
		return staticTable[idx-1], nil
	}
	if hf, ok := d.dt.at(idx - len(staticTable)); ok {
		return hf, nil
	}
	return HeaderField{}, errIndexOutOfRange
}

// decodeInt 解码 N 位前缀整数 RFC 7541 §5.1
//
// N 位字段未满时即为值本身 否则继续累加后续字节的低 7 位
// 每字节最高位为继续标志 位移按 7 的倍数递增
func decodeInt(b []byte, prefix uint8) (value uint64, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, errTruncated
	}

	mask := uint64(1)<<prefix - 1
	value = uint64(b[0]) & mask
	b = b[1:]
	if value < mask {
		return value, b, nil
	}

	var shift uint
	for {
		if len(b) == 0 {
			return 0, nil, errTruncated
		}
		c := b[0]
		b = b[1:]
		value += uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return value, b, nil
		}
		shift += 7
		if shift > 62 {
			return 0, nil, newError("hpack: integer overflow")
		}
	}
}

// decodeString 解码字符串 RFC 7541 §5.2
//
// 1 位 Huffman 标志加 7 位前缀长度 随后为原文或 Huffman 编码内容
// Huffman 流中出现 EOS 符号属于协议错误
func decodeString(b []byte) (s string, rest []byte, err error) {
	if len(b) == 0 {
		return "", nil, errTruncated
	}
	huffman := b[0]&0x80 != 0

	length, b, err := decodeInt(b, 7)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(b)) < length {
		return "", nil, errTruncated
	}

	raw := b[:length]
	rest = b[length:]

	if !huffman {
		return string(raw), rest, nil
	}
	s, err = hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", nil, errHuffman
	}
	return s, rest, nil
}

// Decode 解码一个完整的 header block 返回按出现顺序排列的 HeaderFields
//
// 任何错误都会中止整个 header block 的解码 RFC 7541 §6
//
// 首字节的模式位选择表示方式
//   - 1xxxxxxx 索引表示
//   - 01xxxxxx 带增量索引的字面量 解码后插入动态表
//   - 0000xxxx 不索引的字面量
//   - 0001xxxx 永不索引的字面量
//   - 001xxxxx 动态表大小更新
func (d *Decoder) Decode(b []byte) ([]HeaderField, error) {
	var out []HeaderField

	for len(b) > 0 {
		c := b[0]

		switch {
		case c&0x80 != 0:
			// 索引表示
			idx, rest, err := decodeInt(b, 7)
			if err != nil {
				return nil, err
			}
			if idx == 0 {
				return nil, errIndexOutOfRange
			}
			hf, err := d.lookup(int(idx))
			if err != nil {
				return nil, err
			}
			out = append(out, hf)
			b = rest

		case c&0xc0 == 0x40:
			// 带增量索引的字面量
			hf, rest, err := d.decodeLiteral(b, 6)
			if err != nil {
				return nil, err
			}
			out = append(out, hf)
			d.dt.add(hf)
			b = rest

		case c&0xe0 == 0x20:
			// 动态表大小更新
			size, rest, err := decodeInt(b, 5)
			if err != nil {
				return nil, err
			}
			if int(size) > d.dt.peerMax {
				return nil, errTableSizeUpdate
			}
			d.dt.resize(int(size))
			b = rest

		default:
			// 不索引或永不索引的字面量 两者解码路径一致
			hf, rest, err := d.decodeLiteral(b, 4)
			if err != nil {
				return nil, err
			}
			out = append(out, hf)
			b = rest
		}
	}
	return out, nil
}

// decodeLiteral 解码字面量表示 name 可能为索引或字面字符串
func (d *Decoder) decodeLiteral(b []byte, prefix uint8) (HeaderField, []byte, error) {
	nameIdx, rest, err := decodeInt(b, prefix)
	if err != nil {
		return HeaderField{}, nil, err
	}

	var hf HeaderField
	if nameIdx > 0 {
		ref, lerr := d.lookup(int(nameIdx))
		if lerr != nil {
			return HeaderField{}, nil, lerr
		}
		hf.Name = ref.Name
	} else {
		hf.Name, rest, err = decodeString(rest)
		if err != nil {
			return HeaderField{}, nil, err
		}
	}

	hf.Value, rest, err = decodeString(rest)
	if err != nil {
		return HeaderField{}, nil, err
	}
	return hf, rest, nil
}
