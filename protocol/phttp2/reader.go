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

// Package phttp2 提供 HTTP/2 帧读取器与 HPACK 解码器
//
// 读取器从连续字节流中拆分帧 按 stream 独立装配消息
// 装配结果以 phttp 的回调流交付 回调携带 streamID 作为标签
package phttp2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/eventio/eventio/bytebuf"
	"github.com/eventio/eventio/internal/bufpool"
	"github.com/eventio/eventio/protocol"
	"github.com/eventio/eventio/protocol/phttp"
)

func newError(format string, args ...any) error {
	format = "http2/reader: " + format
	return errors.Errorf(format, args...)
}

var (
	errDecodeHeader   = newError("decode frame header failed")
	errInvalidPadding = newError("invalid padding")
)

const (
	// PROTO 交付给 OnStart 的协议版本标签
	PROTO = "HTTP/2"

	// headerLength HTTP/2 标准定义的帧头长度
	headerLength = 9

	// maxPayloadSize 帧最大 payload 大小 24 位长度字段的上限
	maxPayloadSize = 0xFFFFFF

	// streamMask 帧头 StreamID 的低 31 位掩码 最高位保留
	streamMask = 0x7fffffff

	// MaxConcurrentStreams 同时装配的 Stream 上限 超出时淘汰 id 最小者
	MaxConcurrentStreams = 128
)

// HTTP/2 标准定义的帧类型 本读取器只消费消息装配所需的类型
// 其余帧按长度跳过
const (
	frameData         = 0x0
	frameHeaders      = 0x1
	framePriority     = 0x2
	frameRSTStream    = 0x3
	frameSettings     = 0x4
	framePushPromise  = 0x5
	framePing         = 0x6
	frameGoAway       = 0x7
	frameWindowUpdate = 0x8
	frameContinuation = 0x9
)

const (
	// flagEndStream DATA/HEADERS 帧 当前是流的最后一帧
	flagEndStream = 0x1

	// flagEndHeaders 完整的 header block 已传输完毕
	flagEndHeaders = 0x4

	// flagPadded 帧携带填充 首字节为 Pad Length
	flagPadded = 0x8

	// flagPriority HEADERS 帧携带 31 位流依赖加 8 位权重
	flagPriority = 0x20
)

// settingHeaderTableSize SETTINGS 中的 HPACK 动态表容量参数
const settingHeaderTableSize = 0x1

// connPreface 建链时客户端先发的明文 Connection Preface
var connPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// chunkExtPrefix 以 header 形式携带 chunk 扩展的约定前缀
//
// HTTP/2 没有 chunked 编码 以 `chunk-extension-<name>` 头携带的扩展
// 会被改写进 chunk-extension 回调流 而不是作为普通 header 交付
const chunkExtPrefix = "chunk-extension-"

// CallbackFactory 为每个 stream 构建回调表 streamID 即回调的标签
type CallbackFactory func(streamID uint32) *protocol.Callbacks

// stream 单个 Stream 的装配状态
type stream struct {
	id    uint32
	inner *phttp.Reader
	cbs   *protocol.Callbacks

	hdrBuf *bytes.Buffer
	ended  bool
}

func (s *stream) free() {
	bufpool.Release(s.hdrBuf)
}

// Reader HTTP/2 消息装配器
//
// 同一链接中交错传输的多个 Stream 彼此独立装配
// StreamID 0 属于链接本身 不携带消息 仅消费 SETTINGS
type Reader struct {
	hp      *Decoder
	factory CallbackFactory

	buf     *bytebuf.Buffer
	streams map[uint32]*stream
}

// NewReader 创建并返回 *Reader 实例
func NewReader(factory CallbackFactory) *Reader {
	return &Reader{
		hp:      NewDecoder(),
		factory: factory,
		buf:     bytebuf.New(),
		streams: make(map[uint32]*stream),
	}
}

// Free 释放持有的资源
func (r *Reader) Free() {
	for _, s := range r.streams {
		s.free()
	}
	r.streams = nil
}

func (r *Reader) getOrCreateStream(id uint32) *stream {
	if s, ok := r.streams[id]; ok {
		return s
	}

	// stream 清理机制 淘汰 id 最小者 避免未正常结束的 stream 泄漏
	if len(r.streams) >= MaxConcurrentStreams {
		minID := uint32(streamMask)
		for sid := range r.streams {
			if sid < minID {
				minID = sid
			}
		}
		if s, ok := r.streams[minID]; ok {
			s.free()
			delete(r.streams, minID)
		}
	}

	cbs := r.factory(id)
	s := &stream{
		id:     id,
		cbs:    cbs,
		hdrBuf: bufpool.Acquire(),
	}
	s.inner = phttp.NewReader(cbs)
	s.inner.SetVersionOverride(PROTO)
	r.streams[id] = s
	return s
}

func (r *Reader) deleteStream(id uint32) {
	if s, ok := r.streams[id]; ok {
		s.free()
		delete(r.streams, id)
	}
}

// Feed 喂入一段 HTTP/2 帧数据并尽可能推进装配
//
// 帧被任意粒度切割都可以正确续接 输入不完整时返回 protocol.ErrMoreData
func (r *Reader) Feed(p []byte) error {
	if err := r.buf.AddBytes(p); err != nil {
		return err
	}

	for {
		// 消息之间的空白字符跳过 与 HTTP/1 流保持一致
		b := r.buf.Peek()
		var skip int
		for skip < len(b) && (b[skip] == '\r' || b[skip] == '\n') {
			skip++
		}
		r.buf.Drop(skip)
		b = r.buf.Peek()

		if len(b) == 0 {
			// 输入在帧边界处干净耗尽 吐出仍挂起的 header block
			// 部分实现不设置 END_HEADERS 且不使用 CONTINUATION
			return r.flushPending()
		}

		// 建链时的明文 Connection Preface 直接跳过
		if b[0] == 'P' {
			if len(b) < len(connPreface) {
				if bytes.HasPrefix(connPreface, b) {
					return protocol.ErrMoreData
				}
			} else if bytes.HasPrefix(b, connPreface) {
				r.buf.Drop(len(connPreface))
				continue
			}
		}

		if len(b) < headerLength {
			return protocol.ErrMoreData
		}

		// 前 3 字节为 24 位无符号的 Payload Length
		payloadLen := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		if payloadLen > maxPayloadSize {
			return errDecodeHeader
		}
		frameType := b[3]
		flags := b[4]
		streamID := binary.BigEndian.Uint32(b[5:9]) & streamMask

		if len(b) < headerLength+payloadLen {
			return protocol.ErrMoreData
		}

		payload := b[headerLength : headerLength+payloadLen]
		if err := r.consumeFrame(frameType, flags, streamID, payload); err != nil {
			return err
		}
		r.buf.Drop(headerLength + payloadLen)
	}
}

// consumeFrame 按帧类型分发
func (r *Reader) consumeFrame(frameType uint8, flags uint8, streamID uint32, payload []byte) error {
	switch frameType {
	case frameHeaders:
		if streamID == 0 {
			return nil
		}
		return r.consumeHeaders(flags, streamID, payload, true)

	case frameContinuation:
		if streamID == 0 {
			return nil
		}
		return r.consumeHeaders(flags, streamID, payload, false)

	case frameData:
		if streamID == 0 {
			return nil
		}
		return r.consumeData(flags, streamID, payload)

	case frameSettings:
		return r.consumeSettings(flags, payload)

	case frameRSTStream:
		r.deleteStream(streamID)
		return nil
	}

	// 其余帧类型按长度跳过
	return nil
}

// trimPadding 剔除 Pad Length 字节与尾部填充
func trimPadding(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, errInvalidPadding
	}
	padLen := int(payload[0])
	if padLen >= len(payload) {
		return nil, errInvalidPadding
	}
	return payload[1 : len(payload)-padLen], nil
}

// consumeHeaders 装配 HEADERS/CONTINUATION 的 header block
func (r *Reader) consumeHeaders(flags uint8, streamID uint32, payload []byte, isHeaders bool) error {
	var err error
	if isHeaders {
		if flags&flagPadded != 0 {
			payload, err = trimPadding(payload)
			if err != nil {
				return err
			}
		}
		// Priority 标志携带 4 字节流依赖加 1 字节权重
		if flags&flagPriority != 0 {
			if len(payload) < 5 {
				return errDecodeHeader
			}
			payload = payload[5:]
		}
	}

	s := r.getOrCreateStream(streamID)
	s.hdrBuf.Write(payload)
	s.ended = s.ended || flags&flagEndStream != 0

	if flags&flagEndHeaders == 0 {
		return nil
	}
	return r.flushHeaders(s)
}

// flushHeaders 解码累积的 header block 并交付
func (r *Reader) flushHeaders(s *stream) error {
	fields, err := r.hp.Decode(s.hdrBuf.Bytes())
	s.hdrBuf.Reset()
	if err != nil {
		return err
	}

	if err := r.dispatchHeaders(s, fields); err != nil {
		return err
	}

	if s.ended {
		return r.finishStream(s)
	}
	return nil
}

// flushPending 吐出所有流上仍未交付的 header block
func (r *Reader) flushPending() error {
	for _, s := range r.streams {
		if s.hdrBuf.Len() == 0 {
			continue
		}
		if err := r.flushHeaders(s); err != nil {
			return err
		}
	}
	return nil
}

// dispatchHeaders 将解码出的 HeaderFields 还原成消息起始行与 header 流
//
// 伪头部组装起始行 `:scheme` `:authority` `:path` 拼接为请求 URI
// `chunk-extension-` 前缀的 header 改写进 chunk-extension 回调流
func (r *Reader) dispatchHeaders(s *stream, fields []HeaderField) error {
	var status, method, scheme, authority, path string
	var regular []HeaderField
	var chunkExts []HeaderField

	for _, hf := range fields {
		switch hf.Name {
		case ":status":
			status = hf.Value
		case ":method":
			method = hf.Value
		case ":scheme":
			scheme = hf.Value
		case ":authority":
			authority = hf.Value
		case ":path":
			path = hf.Value
		default:
			if strings.HasPrefix(hf.Name, chunkExtPrefix) {
				chunkExts = append(chunkExts, HeaderField{
					Name:  hf.Name[len(chunkExtPrefix):],
					Value: hf.Value,
				})
				continue
			}
			regular = append(regular, hf)
		}
	}

	// 合成等价的 HTTP/1 字节流交给通用消息读取器
	// 版本号已被改写为 HTTP/2 header 语义保持一致
	syn := bufpool.Acquire()
	defer bufpool.Release(syn)

	switch {
	case status != "":
		code, _ := strconv.Atoi(status)
		fmt.Fprintf(syn, "HTTP/1.1 %s %s\r\n", status, http.StatusText(code))

	case method != "":
		fmt.Fprintf(syn, "%s %s://%s%s HTTP/1.1\r\n", method, scheme, authority, path)

	default:
		// Trailers 形态的 HEADERS 没有伪头部 逐条交付 trailer 回调
		return r.dispatchTrailers(s, fields)
	}

	for _, hf := range regular {
		fmt.Fprintf(syn, "%s: %s\r\n", http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if err := s.inner.Feed(syn.Bytes()); err != nil && !errors.Is(err, protocol.ErrMoreData) {
		return err
	}

	// chunk 扩展在 header 结束之前交付 按在 header block 中出现的次序 下标固定为 0
	for _, hf := range chunkExts {
		if s.cbs.OnChunkExtensions != nil {
			if err := s.cbs.OnChunkExtensions(hf.Name, hf.Value, 0); err != nil {
				return protocol.ErrUserFailure
			}
		}
	}
	if len(chunkExts) > 0 && s.cbs.OnChunkExtensionsDone != nil {
		if err := s.cbs.OnChunkExtensionsDone(0); err != nil {
			return protocol.ErrUserFailure
		}
	}

	if err := s.inner.Feed([]byte("\r\n")); err != nil && !errors.Is(err, protocol.ErrMoreData) {
		return err
	}
	return nil
}

// dispatchTrailers 交付第二次 HEADERS 帧携带的 trailer
func (r *Reader) dispatchTrailers(s *stream, fields []HeaderField) error {
	for _, hf := range fields {
		key := http.CanonicalHeaderKey(hf.Name)
		if s.cbs.OnTrailerFull != nil {
			if err := s.cbs.OnTrailerFull(key, hf.Value); err != nil {
				return protocol.ErrUserFailure
			}
		}
		if s.cbs.OnTrailer != nil {
			if err := s.cbs.OnTrailer(key, hf.Value); err != nil {
				return protocol.ErrUserFailure
			}
		}
	}
	if s.cbs.OnTrailerDone != nil {
		if err := s.cbs.OnTrailerDone(); err != nil {
			return protocol.ErrUserFailure
		}
	}
	return nil
}

// consumeData 交付 DATA 帧内容
func (r *Reader) consumeData(flags uint8, streamID uint32, payload []byte) error {
	var err error
	if flags&flagPadded != 0 {
		payload, err = trimPadding(payload)
		if err != nil {
			return err
		}
	}

	s := r.getOrCreateStream(streamID)

	// HEADERS 未显式终结而 DATA 已经到达 视作 header block 结束
	if s.hdrBuf.Len() > 0 {
		if ferr := r.flushHeaders(s); ferr != nil {
			return ferr
		}
	}

	if len(payload) > 0 {
		if err := s.inner.Feed(payload); err != nil && !errors.Is(err, protocol.ErrMoreData) {
			return err
		}
	}

	if flags&flagEndStream != 0 {
		s.ended = true
		return r.finishStream(s)
	}
	return nil
}

// consumeSettings 消费 SETTINGS 帧 仅关心 HPACK 动态表容量
func (r *Reader) consumeSettings(flags uint8, payload []byte) error {
	// ACK 帧没有 payload
	if flags&0x1 != 0 {
		return nil
	}

	// 每个参数 6 字节 16 位 id 加 32 位值
	for len(payload) >= 6 {
		id := binary.BigEndian.Uint16(payload[:2])
		val := binary.BigEndian.Uint32(payload[2:6])
		if id == settingHeaderTableSize {
			r.hp.SetMaxTableSize(int(val))
		}
		payload = payload[6:]
	}
	return nil
}

// finishStream 收尾一个 Stream 未知长度的 body 在此交付 body-done
func (r *Reader) finishStream(s *stream) error {
	if err := s.inner.Close(); err != nil {
		return err
	}
	r.deleteStream(s.id)
	return nil
}
