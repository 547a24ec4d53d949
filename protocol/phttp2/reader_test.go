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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventio/eventio/protocol"
)

// recorder 把某个 stream 的回调记成事件序列
type recorder struct {
	streamID uint32
	events   []string
}

func (r *recorder) add(format string, args ...any) error {
	r.events = append(r.events, fmt.Sprintf(format, args...))
	return nil
}

func (r *recorder) callbacks() *protocol.Callbacks {
	return &protocol.Callbacks{
		OnStart: func(t protocol.MessageType, version, method, uri string, code int, reason string) error {
			return r.add("start|%s|%s|%s|%s|%d|%s", t, version, method, uri, code, reason)
		},
		OnHeaderFull: func(k, v string) error { return r.add("header_full|%s|%s", k, v) },
		OnHeader:     func(k, v string) error { return r.add("header|%s|%s", k, v) },
		OnHeaderDone: func(f protocol.BodyFormat) error { return r.add("header_done|%s", f) },
		OnBody:       func(d []byte) error { return r.add("body|%s", d) },
		OnBodyDone:   func() error { return r.add("body_done") },

		OnChunkExtensions:     func(k, v string, idx int) error { return r.add("chunk_ext|%s|%s|%d", k, v, idx) },
		OnChunkExtensionsDone: func(idx int) error { return r.add("chunk_ext_done|%d", idx) },
		OnChunkData:           func(d []byte, idx int) error { return r.add("chunk_data|%s|%d", d, idx) },
		OnChunkDataDone:       func(idx int) error { return r.add("chunk_data_done|%d", idx) },
		OnChunkDataFinished:   func() error { return r.add("chunk_finished") },

		OnTrailerFull: func(k, v string) error { return r.add("trailer_full|%s|%s", k, v) },
		OnTrailer:     func(k, v string) error { return r.add("trailer|%s|%s", k, v) },
		OnTrailerDone: func() error { return r.add("trailer_done") },
	}
}

// multiRecorder 按 streamID 分发记录器
type multiRecorder struct {
	recs map[uint32]*recorder
}

func newMultiRecorder() *multiRecorder {
	return &multiRecorder{recs: make(map[uint32]*recorder)}
}

func (m *multiRecorder) factory() CallbackFactory {
	return func(streamID uint32) *protocol.Callbacks {
		rec := &recorder{streamID: streamID}
		m.recs[streamID] = rec
		return rec.callbacks()
	}
}

// testDat01 简单 HTTP/2 响应 HEADERS 加 DATA 各一帧
//
// 等价于
//
//	HTTP/1.1 200 OK
//	Date: Mon, 7 May 2018 01:02:03 GMT
//	Content-Length: 44
//	Connection: close
//	Content-Type: text/html
//
//	<html><body><h1>It works!</h1></body></html>
var testDat01 = []byte{
	0x00, 0x00, 0x4c, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, /* HEADERS frame */
	0x88, 0x00, 0x83, 0xbe, 0x34, 0x97, 0x95, 0xd0, 0x7a, 0xbe, 0x94, 0x75, 0x4d, 0x03, 0xf4, 0xa0,
	0x80, 0x17, 0x94, 0x00, 0x6e, 0x00, 0x57, 0x00, 0xca, 0x98, 0xb4, 0x6f, 0x00, 0x8a, 0xbc, 0x7a,
	0x92, 0x5a, 0x92, 0xb6, 0x72, 0xd5, 0x32, 0x67, 0x82, 0x69, 0xaf, 0x00, 0x87, 0xbc, 0x7a, 0xaa,
	0x29, 0x12, 0x63, 0xd5, 0x84, 0x25, 0x07, 0x41, 0x7f, 0x00, 0x89, 0xbc, 0x7a, 0x92, 0x5a, 0x92,
	0xb6, 0xff, 0x55, 0x97, 0x87, 0x49, 0x7c, 0xa5, 0x89, 0xd3, 0x4d, 0x1f,
	0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, /* DATA frame */
	0x3c, 0x68, 0x74, 0x6d, 0x6c, 0x3e, 0x3c, 0x62, 0x6f, 0x64, 0x79, 0x3e, 0x3c, 0x68, 0x31, 0x3e,
	0x49, 0x74, 0x20, 0x77, 0x6f, 0x72, 0x6b, 0x73, 0x21, 0x3c, 0x2f, 0x68, 0x31, 0x3e, 0x3c, 0x2f,
	0x62, 0x6f, 0x64, 0x79, 0x3e, 0x3c, 0x2f, 0x68, 0x74, 0x6d, 0x6c, 0x3e,
}

var dat01Events = []string{
	"start|response|HTTP/2|||200|OK",
	"header_full|Date|Mon, 7 May 2018 01:02:03 GMT",
	"header|Date|Mon, 7 May 2018 01:02:03 GMT",
	"header_full|Content-Length|44",
	"header|Content-Length|44",
	"header_full|Connection|close",
	"header|Connection|close",
	"header_full|Content-Type|text/html",
	"header|Content-Type|text/html",
	"header_done|fixed_length",
	"body|<html><body><h1>It works!</h1></body></html>",
	"body_done",
}

func TestReaderSimpleResponse(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	require.NoError(t, r.Feed(testDat01))

	rec := m.recs[1]
	require.NotNil(t, rec)
	assert.Equal(t, dat01Events, rec.events)
}

func TestReaderSimpleResponseByteAtATime(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	for i := 0; i < len(testDat01); i++ {
		err := r.Feed(testDat01[i : i+1])
		if err != nil {
			require.ErrorIs(t, err, protocol.ErrMoreData)
		}
	}

	rec := m.recs[1]
	require.NotNil(t, rec)

	// 分片喂入时 body 可能拆成多个片段 事件骨架保持一致
	var starts, dones int
	var body string
	for _, ev := range rec.events {
		switch {
		case len(ev) > 6 && ev[:6] == "start|":
			starts++
		case ev == "body_done":
			dones++
		case len(ev) > 5 && ev[:5] == "body|":
			body += ev[5:]
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, dones)
	assert.Equal(t, "<html><body><h1>It works!</h1></body></html>", body)
}

// frame 手工构造帧
func frame(frameType uint8, flags uint8, streamID uint32, payload []byte) []byte {
	out := []byte{
		byte(len(payload) >> 16), byte(len(payload) >> 8), byte(len(payload)),
		frameType, flags,
		byte(streamID >> 24), byte(streamID >> 16), byte(streamID >> 8), byte(streamID),
	}
	return append(out, payload...)
}

// literalHeader 不入表的字面量 header name/value 均为原文
func literalHeader(name string, value string) []byte {
	out := []byte{0x00, byte(len(name))}
	out = append(out, name...)
	out = append(out, byte(len(value)))
	out = append(out, value...)
	return out
}

// TestReaderInterleavedStreams 多个 Stream 交错装配彼此独立
func TestReaderInterleavedStreams(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	headers := func(id uint32) []byte {
		block := []byte{0x88} // :status 200
		block = append(block, literalHeader("content-length", "9")...)
		return frame(frameHeaders, flagEndHeaders, id, block)
	}
	data := func(id uint32, n int) []byte {
		return frame(frameData, flagEndStream, id, []byte(fmt.Sprintf("Message %d", n)))
	}

	var input []byte
	input = append(input, headers(1)...)
	input = append(input, headers(3)...)
	input = append(input, data(1, 1)...)
	input = append(input, headers(5)...)
	input = append(input, data(3, 2)...)
	input = append(input, data(5, 3)...)

	require.NoError(t, r.Feed(input))

	for i, id := range []uint32{1, 3, 5} {
		rec := m.recs[id]
		require.NotNil(t, rec, "stream %d missing", id)
		assert.Equal(t, []string{
			"start|response|HTTP/2|||200|OK",
			"header_full|Content-Length|9",
			"header|Content-Length|9",
			"header_done|fixed_length",
			fmt.Sprintf("body|Message %d", i+1),
			"body_done",
		}, rec.events, "stream %d", id)
	}
}

// testDat07 chunked 响应 chunk 体加两条 trailer
var testDat07 = []byte{
	0x00, 0x00, 0x47, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, /* HEADERS frame */
	0x88, 0x00, 0x8d, 0xdf, 0x60, 0xea, 0x44, 0xa5, 0xb1, 0x6c, 0x15, 0x10, 0xf2, 0x1a, 0xa9, 0xbf,
	0x86, 0x24, 0xf6, 0xd5, 0xd4, 0xb2, 0x7f, 0x00, 0x89, 0xbc, 0x7a, 0x92, 0x5a, 0x92, 0xb6, 0xff,
	0x55, 0x97, 0x89, 0xa4, 0xa8, 0x40, 0xe6, 0x2b, 0x13, 0xa5, 0x35, 0xff, 0x00, 0x87, 0xbc, 0x7a,
	0xaa, 0x29, 0x12, 0x63, 0xd5, 0x84, 0x25, 0x07, 0x41, 0x7f, 0x00, 0x85, 0xdc, 0x5b, 0x3b, 0x96,
	0xcf, 0x85, 0x41, 0x6c, 0xee, 0x5b, 0x3f,
	0x00, 0x00, 0x60, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, /* DATA frame */
	'1', 'F', '\r', '\n', '<', 'h', 't', 'm', 'l', '>', '<', 'b', 'o', 'd', 'y', '>',
	'C', 'h', 'u', 'n', 'k', '<', '/', 'b', 'o', 'd', 'y', '>', '<', '/', 'h', 't',
	'm', 'l', '>', '\r', '\n', '0', '\r', '\n', 'T', 'r', 'a', 'i', 'l', 'e', 'r', ' ',
	'1', ':', ' ', 'I', ' ', 'a', 'm', ' ', 'a', ' ', 't', 'r', 'a', 'i', 'l', 'e',
	'r', '\r', '\n', 'T', 'r', 'a', 'i', 'l', 'e', 'r', ' ', '2', ':', ' ', 'A', 'l',
	's', 'o', ' ', 'a', ' ', 't', 'r', 'a', 'i', 'l', 'e', 'r', '\r', '\n', '\r', '\n',
}

func TestReaderChunkedWithTrailers(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	require.NoError(t, r.Feed(testDat07))

	rec := m.recs[1]
	require.NotNil(t, rec)

	assert.Equal(t, "start|response|HTTP/2|||200|OK", rec.events[0])
	assert.Contains(t, rec.events, "header_done|chunked")
	assert.Contains(t, rec.events, "chunk_data|<html><body>Chunk</body></html>|0")
	assert.Contains(t, rec.events, "chunk_data_done|0")
	assert.Contains(t, rec.events, "chunk_finished")
	assert.Contains(t, rec.events, "trailer|Trailer 1|I am a trailer")
	assert.Contains(t, rec.events, "trailer|Trailer 2|Also a trailer")
	assert.Equal(t, "body_done", rec.events[len(rec.events)-1])
}

// TestReaderChunkExtensionHeaders chunk-extension- 前缀头改写进扩展回调流
func TestReaderChunkExtensionHeaders(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	block := []byte{0x88}
	block = append(block, literalHeader("content-length", "0")...)
	block = append(block, literalHeader("chunk-extension-ext1", "")...)
	block = append(block, literalHeader("chunk-extension-ext2", "abc")...)
	require.NoError(t, r.Feed(frame(frameHeaders, flagEndHeaders|flagEndStream, 1, block)))

	rec := m.recs[1]
	require.NotNil(t, rec)

	assert.Contains(t, rec.events, "chunk_ext|ext1||0")
	assert.Contains(t, rec.events, "chunk_ext|ext2|abc|0")
	assert.Contains(t, rec.events, "chunk_ext_done|0")

	// 改写后的扩展不再以 header 形式出现
	for _, ev := range rec.events {
		assert.NotContains(t, ev, "chunk-extension-")
		assert.NotContains(t, ev, "Chunk-Extension-")
	}
}

// TestReaderPaddedFrames PADDED 标志的填充被剔除
func TestReaderPaddedFrames(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	block := []byte{0x88}
	block = append(block, literalHeader("content-length", "5")...)

	// HEADERS: PadLength=3 加 3 字节填充
	padded := append([]byte{0x03}, block...)
	padded = append(padded, 0x00, 0x00, 0x00)
	input := frame(frameHeaders, flagEndHeaders|flagPadded, 1, padded)

	// DATA: PadLength=2 加 2 字节填充
	dataPayload := append([]byte{0x02}, []byte("hello")...)
	dataPayload = append(dataPayload, 0x00, 0x00)
	input = append(input, frame(frameData, flagEndStream|flagPadded, 1, dataPayload)...)

	require.NoError(t, r.Feed(input))

	rec := m.recs[1]
	require.NotNil(t, rec)
	assert.Contains(t, rec.events, "body|hello")
	assert.Contains(t, rec.events, "body_done")
}

// TestReaderRequestURI 伪头部拼接请求 URI
func TestReaderRequestURI(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	block := []byte{0x82, 0x87} // :method GET + :scheme https
	block = append(block, literalHeader(":authority", "www.google.com")...)
	block = append(block, literalHeader(":path", "/index.html")...)
	require.NoError(t, r.Feed(frame(frameHeaders, flagEndHeaders, 1, block)))

	rec := m.recs[1]
	require.NotNil(t, rec)
	assert.Equal(t, "start|request|HTTP/2|GET|https://www.google.com/index.html|0|", rec.events[0])
}

// TestReaderSkipsOtherFrames 无关帧按长度跳过 不影响装配
func TestReaderSkipsOtherFrames(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	var input []byte
	input = append(input, frame(framePing, 0, 0, make([]byte, 8))...)
	input = append(input, frame(frameWindowUpdate, 0, 0, make([]byte, 4))...)
	input = append(input, testDat01...)
	input = append(input, frame(frameGoAway, 0, 0, make([]byte, 8))...)

	require.NoError(t, r.Feed(input))

	rec := m.recs[1]
	require.NotNil(t, rec)
	assert.Equal(t, dat01Events, rec.events)
}

// TestReaderSettingsTableSize SETTINGS 调整 HPACK 动态表容量
func TestReaderSettingsTableSize(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	// SETTINGS_HEADER_TABLE_SIZE = 0
	settings := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	require.NoError(t, r.Feed(frame(frameSettings, 0, 0, settings)))
	assert.Equal(t, 0, r.hp.dt.maxSize)
}

// TestReaderStreamZeroCarriesNoMessage StreamID 0 不产生消息
func TestReaderStreamZeroCarriesNoMessage(t *testing.T) {
	m := newMultiRecorder()
	r := NewReader(m.factory())
	defer r.Free()

	require.NoError(t, r.Feed(frame(frameData, 0, 0, []byte("junk"))))
	assert.Empty(t, m.recs)
}
