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

// Package phttp 提供格式无关的 HTTP 消息读取器
//
// 以回调流的形式交付起始行 header body 片段 multipart 分部 chunked 扩展与 trailer
// 同一字节流中允许多条消息背靠背出现 消息之间的空白字符被跳过
package phttp

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/eventio/eventio/bytebuf"
	"github.com/eventio/eventio/internal/splitio"
	"github.com/eventio/eventio/protocol"
)

func newError(format string, args ...any) error {
	format = "http/reader: " + format
	return errors.Errorf(format, args...)
}

// errFeedDone 本轮输入已在消息边界处消费完毕 并非错误
var errFeedDone = newError("feed done")

// state 记录着 reader 的处理状态
type state uint8

const (
	// stateStartLine 跳过消息间空白并解析起始行
	stateStartLine state = iota

	// stateHeader 逐行解析 header
	stateHeader

	// stateBody 读取固定长度或未知长度 body
	stateBody

	// stateChunkSize 解析 chunk 长度行与扩展
	stateChunkSize

	// stateChunkData 读取 chunk 数据
	stateChunkData

	// stateChunkDataEnd 消费 chunk 数据之后的 CRLF
	stateChunkDataEnd

	// stateTrailer 逐行解析 trailer
	stateTrailer

	// statePartPreamble 读取 multipart 前导
	statePartPreamble

	// statePartHeader 解析分部 header
	statePartHeader

	// statePartData 读取分部数据
	statePartData

	// stateEpilouge 读取 multipart 尾声
	stateEpilouge
)

// Reader HTTP 消息读取器
//
// Feed 可以以任意粒度的分片喂入数据 输入不完整时返回 protocol.ErrMoreData
// 下一次 Feed 从中断处继续 按行解析的部分(起始行 header trailer chunk 长度行 分部 header)
// 出错时该行已被整行取出 游标不停在出错字节上
type Reader struct {
	cbs *protocol.Callbacks
	buf *bytebuf.Buffer

	state state

	// 单条消息内的状态 消息结束时重置
	msgType    protocol.MessageType
	format     protocol.BodyFormat
	contentLen int64 // -1 表示未出现 Content-Length
	bodyLeft   int64
	chunked    bool
	boundary   []byte

	chunkIdx  int
	chunkLeft int64

	partIdx int

	// versionOverride 供上层读取器改写版本号 如 HTTP/2 帧装配
	versionOverride string
}

// NewReader 创建并返回 *Reader 实例
func NewReader(cbs *protocol.Callbacks) *Reader {
	r := &Reader{
		cbs: cbs,
		buf: bytebuf.New(),
	}
	r.reset()
	return r
}

// SetVersionOverride 改写交付给 OnStart 的协议版本
func (r *Reader) SetVersionOverride(v string) {
	r.versionOverride = v
}

// reset 重置单条消息状态 回到起始行模式
func (r *Reader) reset() {
	r.state = stateStartLine
	r.format = protocol.BodyFixedLength
	r.contentLen = -1
	r.bodyLeft = 0
	r.chunked = false
	r.boundary = nil
	r.chunkIdx = 0
	r.chunkLeft = 0
	r.partIdx = 0
}

// Feed 喂入一段数据并尽可能推进解析
func (r *Reader) Feed(p []byte) error {
	if err := r.buf.AddBytes(p); err != nil {
		return err
	}

	for {
		var err error
		switch r.state {
		case stateStartLine:
			err = r.parseStartLine()
		case stateHeader:
			err = r.parseHeader()
		case stateBody:
			err = r.parseBody()
		case stateChunkSize:
			err = r.parseChunkSize()
		case stateChunkData:
			err = r.parseChunkData()
		case stateChunkDataEnd:
			err = r.parseChunkDataEnd()
		case stateTrailer:
			err = r.parseTrailer()
		case statePartPreamble:
			err = r.parsePartPreamble()
		case statePartHeader:
			err = r.parsePartHeader()
		case statePartData:
			err = r.parsePartData()
		case stateEpilouge:
			err = r.parseEpilouge()
		}
		if err != nil {
			if errors.Is(err, errFeedDone) {
				return nil
			}
			return err
		}
	}
}

// Close 声明字节流结束 未知长度的 body 与 multipart 尾声在此收尾
func (r *Reader) Close() error {
	switch r.state {
	case stateBody:
		if r.format == protocol.BodyUnknown {
			if err := r.finishBody(); err != nil {
				return err
			}
		}
	case stateEpilouge:
		return r.finishEpilouge()
	}
	return nil
}

// readLine 取出一行 包含结尾 CRLF 数据不足返回 false
func (r *Reader) readLine() ([]byte, bool) {
	p := r.buf.Peek()
	idx := bytes.Index(p, splitio.CharCRLF)
	if idx < 0 {
		return nil, false
	}
	line := p[:idx]
	r.buf.Drop(idx + 2)
	return line, true
}

func userErr(err error) error {
	if err == nil {
		return nil
	}
	return protocol.ErrUserFailure
}

// parseStartLine 跳过消息间空白并解析起始行
func (r *Reader) parseStartLine() error {
	// 跳过上一条消息残留的空白
	p := r.buf.Peek()
	var skip int
	for skip < len(p) && (p[skip] == '\r' || p[skip] == '\n' || p[skip] == ' ' || p[skip] == '\t') {
		skip++
	}
	r.buf.Drop(skip)

	line, ok := r.readLine()
	if !ok {
		// 消息边界处输入干净耗尽不算缺数据
		if r.buf.Len() == 0 {
			return errFeedDone
		}
		return protocol.ErrMoreData
	}

	version := r.versionOverride

	if bytes.HasPrefix(line, []byte("HTTP/")) {
		// Response 形如 `HTTP/1.1 200 OK`
		fields := strings.SplitN(string(line), " ", 3)
		if len(fields) < 2 {
			return protocol.ErrStartlineMalformed
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return protocol.ErrStartlineMalformed
		}
		var reason string
		if len(fields) == 3 {
			reason = fields[2]
		}
		if version == "" {
			version = fields[0]
		}

		r.msgType = protocol.Response
		if r.cbs.OnStart != nil {
			if err := r.cbs.OnStart(protocol.Response, version, "", "", code, reason); err != nil {
				return userErr(err)
			}
		}
		r.state = stateHeader
		return nil
	}

	// Request 形如 `GET /index.html HTTP/1.1`
	fields := strings.Split(string(line), " ")
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return protocol.ErrStartlineMalformed
	}
	if version == "" {
		version = fields[2]
	}

	r.msgType = protocol.Request
	if r.cbs.OnStart != nil {
		if err := r.cbs.OnStart(protocol.Request, version, fields[0], fields[1], 0, ""); err != nil {
			return userErr(err)
		}
	}
	r.state = stateHeader
	return nil
}

// emitHeader 交付单个 header 拆分值逐个交付 Date 头除外
func (r *Reader) emitHeader(key string, value string, full func(string, string) error, single func(string, string) error) error {
	if full != nil {
		if err := full(key, value); err != nil {
			return userErr(err)
		}
	}
	if single == nil {
		return nil
	}

	// Date 的值合法地包含逗号 不做拆分
	if strings.EqualFold(key, "Date") {
		if err := single(key, value); err != nil {
			return userErr(err)
		}
		return nil
	}

	for _, v := range strings.Split(value, ",") {
		if err := single(key, strings.TrimSpace(v)); err != nil {
			return userErr(err)
		}
	}
	return nil
}

func parseHeaderLine(line []byte) (string, string, error) {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", protocol.ErrHeaderMalformed
	}
	key := strings.TrimSpace(string(line[:idx]))
	value := strings.TrimSpace(string(line[idx+1:]))
	if key == "" {
		return "", "", protocol.ErrHeaderMalformed
	}
	return key, value, nil
}

// parseHeader 逐行解析 header 空行代表 header 结束
func (r *Reader) parseHeader() error {
	line, ok := r.readLine()
	if !ok {
		return protocol.ErrMoreData
	}

	if len(line) == 0 {
		return r.finishHeader()
	}

	key, value, err := parseHeaderLine(line)
	if err != nil {
		return err
	}

	switch strings.ToLower(key) {
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			r.chunked = true
		}
	case "content-length":
		n, perr := strconv.ParseInt(value, 10, 64)
		if perr != nil || n < 0 {
			return protocol.ErrHeaderMalformed
		}
		r.contentLen = n
	case "content-type":
		if b, ok := multipartBoundary(value); ok {
			r.boundary = append([]byte("--"), b...)
		}
	}

	return r.emitHeader(key, value, r.cbs.OnHeaderFull, r.cbs.OnHeader)
}

// multipartBoundary 从 Content-Type 中提取 multipart boundary
func multipartBoundary(value string) (string, bool) {
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "multipart/") {
		return "", false
	}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "boundary=") {
			b := part[len("boundary="):]
			b = strings.Trim(b, `"`)
			if b != "" {
				return b, true
			}
		}
	}
	return "", false
}

// finishHeader 判定 body 帧格式并进入对应状态
//
// 优先级 chunked > multipart > Content-Length > 未知长度
func (r *Reader) finishHeader() error {
	switch {
	case r.chunked:
		// chunked 与显式长度冲突属于异常消息
		if r.contentLen >= 0 {
			return protocol.ErrLengthRequired
		}
		r.format = protocol.BodyChunked
		r.state = stateChunkSize

	case r.boundary != nil:
		r.format = protocol.BodyMultipart
		r.bodyLeft = r.contentLen
		r.state = statePartPreamble

	case r.contentLen >= 0:
		r.format = protocol.BodyFixedLength
		r.bodyLeft = r.contentLen
		r.state = stateBody

	default:
		r.format = protocol.BodyUnknown
		r.state = stateBody
	}

	if r.cbs.OnHeaderDone != nil {
		if err := r.cbs.OnHeaderDone(r.format); err != nil {
			return userErr(err)
		}
	}

	// 零长度的固定 body 立即收尾
	if r.format == protocol.BodyFixedLength && r.bodyLeft == 0 {
		return r.finishBody()
	}
	return nil
}

// finishBody 收尾一条消息并回到起始行模式
func (r *Reader) finishBody() error {
	if r.cbs.OnBodyDone != nil {
		if err := r.cbs.OnBodyDone(); err != nil {
			return userErr(err)
		}
	}
	r.reset()
	return nil
}

// parseBody 读取固定长度或未知长度 body
func (r *Reader) parseBody() error {
	p := r.buf.Peek()

	if r.format == protocol.BodyUnknown {
		if len(p) == 0 {
			return protocol.ErrMoreData
		}
		if r.cbs.OnBody != nil {
			if err := r.cbs.OnBody(p); err != nil {
				return userErr(err)
			}
		}
		r.buf.Drop(len(p))
		return protocol.ErrMoreData
	}

	if len(p) == 0 {
		return protocol.ErrMoreData
	}
	n := int64(len(p))
	if n > r.bodyLeft {
		n = r.bodyLeft
	}
	if r.cbs.OnBody != nil {
		if err := r.cbs.OnBody(p[:n]); err != nil {
			return userErr(err)
		}
	}
	r.buf.Drop(int(n))
	r.bodyLeft -= n

	if r.bodyLeft == 0 {
		return r.finishBody()
	}
	return protocol.ErrMoreData
}

// parseChunkSize 解析 chunk 长度行 形如 `3a;ext1;ext2=abc`
func (r *Reader) parseChunkSize() error {
	line, ok := r.readLine()
	if !ok {
		return protocol.ErrMoreData
	}
	if len(line) == 0 {
		// chunk 之间残留的空行 宽容跳过
		return nil
	}

	fields := strings.Split(string(line), ";")
	size, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 16, 64)
	if err != nil || size < 0 {
		return newError("invalid chunk size %q", fields[0])
	}

	// chunk 扩展逐个交付
	var emitted bool
	for _, ext := range fields[1:] {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		key, value := ext, ""
		if idx := strings.IndexByte(ext, '='); idx >= 0 {
			key, value = ext[:idx], ext[idx+1:]
		}
		if r.cbs.OnChunkExtensions != nil {
			if cerr := r.cbs.OnChunkExtensions(key, value, r.chunkIdx); cerr != nil {
				return userErr(cerr)
			}
		}
		emitted = true
	}
	if emitted && r.cbs.OnChunkExtensionsDone != nil {
		if cerr := r.cbs.OnChunkExtensionsDone(r.chunkIdx); cerr != nil {
			return userErr(cerr)
		}
	}

	// 零长度的终止 chunk 之后进入 trailer
	if size == 0 {
		if r.cbs.OnChunkDataFinished != nil {
			if cerr := r.cbs.OnChunkDataFinished(); cerr != nil {
				return userErr(cerr)
			}
		}
		r.state = stateTrailer
		return nil
	}

	r.chunkLeft = size
	r.state = stateChunkData
	return nil
}

// parseChunkData 读取 chunk 数据片段
func (r *Reader) parseChunkData() error {
	p := r.buf.Peek()
	if len(p) == 0 {
		return protocol.ErrMoreData
	}

	n := int64(len(p))
	if n > r.chunkLeft {
		n = r.chunkLeft
	}
	if r.cbs.OnChunkData != nil {
		if err := r.cbs.OnChunkData(p[:n], r.chunkIdx); err != nil {
			return userErr(err)
		}
	}
	r.buf.Drop(int(n))
	r.chunkLeft -= n

	if r.chunkLeft == 0 {
		r.state = stateChunkDataEnd
	}
	return nil
}

// parseChunkDataEnd 消费数据之后的 CRLF 并结束当前 chunk
func (r *Reader) parseChunkDataEnd() error {
	p := r.buf.Peek()
	if len(p) < 2 {
		return protocol.ErrMoreData
	}
	if !bytes.HasPrefix(p, splitio.CharCRLF) {
		return newError("chunk data missing trailing CRLF")
	}
	r.buf.Drop(2)

	if r.cbs.OnChunkDataDone != nil {
		if err := r.cbs.OnChunkDataDone(r.chunkIdx); err != nil {
			return userErr(err)
		}
	}
	r.chunkIdx++
	r.state = stateChunkSize
	return nil
}

// parseTrailer 逐行解析 trailer 空行之后整条消息结束
func (r *Reader) parseTrailer() error {
	line, ok := r.readLine()
	if !ok {
		return protocol.ErrMoreData
	}

	if len(line) == 0 {
		if r.cbs.OnTrailerDone != nil {
			if err := r.cbs.OnTrailerDone(); err != nil {
				return userErr(err)
			}
		}
		return r.finishBody()
	}

	key, value, err := parseHeaderLine(line)
	if err != nil {
		return err
	}
	return r.emitHeader(key, value, r.cbs.OnTrailerFull, r.cbs.OnTrailer)
}

// take 从缓冲取出至多 n 字节 multipart 模式下同时扣减 body 余量
func (r *Reader) take(n int) []byte {
	p := r.buf.Peek()
	if n > len(p) {
		n = len(p)
	}
	if r.contentLen >= 0 && int64(n) > r.bodyLeft {
		n = int(r.bodyLeft)
	}
	out := p[:n]
	r.buf.Drop(n)
	if r.contentLen >= 0 {
		r.bodyLeft -= int64(n)
	}
	return out
}

// parsePartPreamble 读取首个 boundary 之前的前导数据
func (r *Reader) parsePartPreamble() error {
	p := r.buf.Peek()
	idx := bytes.Index(p, r.boundary)
	if idx < 0 {
		return protocol.ErrMoreData
	}

	preamble := bytes.TrimSuffix(p[:idx], splitio.CharCRLF)
	if len(preamble) > 0 {
		if r.cbs.OnMultipartPreamble != nil {
			if err := r.cbs.OnMultipartPreamble(preamble); err != nil {
				return userErr(err)
			}
		}
		if r.cbs.OnMultipartPreambleDone != nil {
			if err := r.cbs.OnMultipartPreambleDone(); err != nil {
				return userErr(err)
			}
		}
	}

	_ = r.take(idx + len(r.boundary))

	// boundary 行以 CRLF 结束
	p = r.buf.Peek()
	if len(p) < 2 {
		return protocol.ErrMoreData
	}
	if !bytes.HasPrefix(p, splitio.CharCRLF) {
		return newError("multipart boundary missing CRLF")
	}
	_ = r.take(2)

	r.state = statePartHeader
	return nil
}

// parsePartHeader 解析分部 header 空行之后进入数据段
func (r *Reader) parsePartHeader() error {
	line, ok := r.readLine()
	if !ok {
		return protocol.ErrMoreData
	}
	if r.contentLen >= 0 {
		r.bodyLeft -= int64(len(line)) + 2
	}

	if len(line) == 0 {
		if r.cbs.OnMultipartHeaderDone != nil {
			if err := r.cbs.OnMultipartHeaderDone(r.partIdx); err != nil {
				return userErr(err)
			}
		}
		r.state = statePartData
		return nil
	}

	key, value, err := parseHeaderLine(line)
	if err != nil {
		return err
	}
	return r.emitHeader(key, value, func(k, v string) error {
		if r.cbs.OnMultipartHeaderFull == nil {
			return nil
		}
		return r.cbs.OnMultipartHeaderFull(k, v, r.partIdx)
	}, func(k, v string) error {
		if r.cbs.OnMultipartHeader == nil {
			return nil
		}
		return r.cbs.OnMultipartHeader(k, v, r.partIdx)
	})
}

// parsePartData 读取分部数据 直到 CRLF 加 boundary 的分隔标记
func (r *Reader) parsePartData() error {
	delim := append(append([]byte{}, splitio.CharCRLF...), r.boundary...)

	p := r.buf.Peek()
	idx := bytes.Index(p, delim)
	if idx < 0 {
		// 保留可能是分隔标记前缀的尾部 其余数据先行交付
		hold := longestPrefixOverlap(p, delim)
		flush := len(p) - hold
		if flush <= 0 {
			return protocol.ErrMoreData
		}
		if r.cbs.OnMultipartData != nil {
			if err := r.cbs.OnMultipartData(p[:flush], r.partIdx); err != nil {
				return userErr(err)
			}
		}
		_ = r.take(flush)
		return protocol.ErrMoreData
	}

	if idx > 0 {
		if r.cbs.OnMultipartData != nil {
			if err := r.cbs.OnMultipartData(p[:idx], r.partIdx); err != nil {
				return userErr(err)
			}
		}
	}
	if r.cbs.OnMultipartDataDone != nil {
		if err := r.cbs.OnMultipartDataDone(r.partIdx); err != nil {
			return userErr(err)
		}
	}
	_ = r.take(idx + len(delim))

	// boundary 之后 `--` 代表最终标记 CRLF 则是下一个分部
	p = r.buf.Peek()
	if len(p) < 2 {
		return protocol.ErrMoreData
	}
	if bytes.HasPrefix(p, []byte("--")) {
		_ = r.take(2)
		if r.cbs.OnMultipartDataFinished != nil {
			if err := r.cbs.OnMultipartDataFinished(); err != nil {
				return userErr(err)
			}
		}
		// 吃掉最终标记后的 CRLF
		if p = r.buf.Peek(); bytes.HasPrefix(p, splitio.CharCRLF) {
			_ = r.take(2)
		}
		r.state = stateEpilouge
		return r.maybeFinishEpilouge()
	}
	if !bytes.HasPrefix(p, splitio.CharCRLF) {
		return newError("multipart boundary missing CRLF")
	}
	_ = r.take(2)
	r.partIdx++
	r.state = statePartHeader
	return nil
}

func longestPrefixOverlap(p []byte, delim []byte) int {
	max := len(delim) - 1
	if max > len(p) {
		max = len(p)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(p[len(p)-n:], delim[:n]) {
			return n
		}
	}
	return 0
}

// maybeFinishEpilouge 已知长度的消息在 body 读尽时立即收尾
func (r *Reader) maybeFinishEpilouge() error {
	if r.contentLen >= 0 && r.bodyLeft <= 0 {
		return r.finishEpilouge()
	}
	return nil
}

// parseEpilouge 读取最终 boundary 之后的尾声数据
func (r *Reader) parseEpilouge() error {
	p := r.buf.Peek()
	if len(p) == 0 {
		return protocol.ErrMoreData
	}

	n := len(p)
	if r.contentLen >= 0 && int64(n) > r.bodyLeft {
		n = int(r.bodyLeft)
	}
	if n > 0 && r.cbs.OnMultipartEpilouge != nil {
		if err := r.cbs.OnMultipartEpilouge(p[:n]); err != nil {
			return userErr(err)
		}
	}
	_ = r.take(n)

	if err := r.maybeFinishEpilouge(); err != nil {
		return err
	}
	if r.state == stateEpilouge {
		return protocol.ErrMoreData
	}
	return nil
}

// finishEpilouge 收尾 multipart 消息
func (r *Reader) finishEpilouge() error {
	if r.cbs.OnMultipartEpilougeDone != nil {
		if err := r.cbs.OnMultipartEpilougeDone(); err != nil {
			return userErr(err)
		}
	}
	return r.finishBody()
}
