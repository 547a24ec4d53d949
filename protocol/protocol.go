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

// Package protocol 定义消息读取器共享的回调契约与错误类别
//
// phttp 与 phttp2 两种读取器都以同一组回调交付消息
// 回调返回非 nil 错误会以 ErrUserFailure 中止当前解析
package protocol

import (
	"github.com/pkg/errors"
)

func newError(format string, args ...any) error {
	format = "protocol: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrMoreData 输入不完整 等待更多数据后继续
	ErrMoreData = newError("more data required")

	// ErrStartlineMalformed 起始行格式非法
	ErrStartlineMalformed = newError("malformed start line")

	// ErrHeaderMalformed header 格式非法
	ErrHeaderMalformed = newError("malformed header")

	// ErrLengthRequired chunked 与 Content-Length 同时出现等长度冲突
	ErrLengthRequired = newError("length required")

	// ErrUserFailure 用户回调返回了失败 中止本轮解析
	ErrUserFailure = newError("user callback failure")
)

// MessageType 消息方向
type MessageType uint8

const (
	Request MessageType = iota
	Response
)

func (t MessageType) String() string {
	if t == Request {
		return "request"
	}
	return "response"
}

// BodyFormat header 解析完毕后判定出的 body 帧格式
type BodyFormat uint8

const (
	// BodyFixedLength 按 Content-Length 读取固定字节
	BodyFixedLength BodyFormat = iota

	// BodyChunked Transfer-Encoding: chunked
	BodyChunked

	// BodyMultipart multipart/* 加 boundary
	BodyMultipart

	// BodyUnknown 长度未知 读到链接关闭为止
	BodyUnknown
)

func (f BodyFormat) String() string {
	switch f {
	case BodyFixedLength:
		return "fixed_length"
	case BodyChunked:
		return "chunked"
	case BodyMultipart:
		return "multipart"
	}
	return "unknown"
}

// Callbacks 消息读取回调表 nil 字段直接跳过
//
// 所有数据类回调传入的切片仅在回调期间有效 如需持有请拷贝
type Callbacks struct {
	// OnStart 起始行解析完毕
	OnStart func(t MessageType, version string, method string, uri string, code int, reason string) error

	// OnHeaderFull 每个 header 一次 值不做拆分
	OnHeaderFull func(key string, value string) error

	// OnHeader 逗号分隔的值逐个交付 Date 头除外 其值合法地包含逗号
	OnHeader func(key string, value string) error

	// OnHeaderDone 空行之后 携带判定出的 body 格式
	OnHeaderDone func(format BodyFormat) error

	// OnBody body 片段 固定长度或未知长度格式使用
	OnBody func(data []byte) error

	// OnBodyDone body 结束
	OnBodyDone func() error

	OnChunkExtensions     func(key string, value string, idx int) error
	OnChunkExtensionsDone func(idx int) error
	OnChunkData           func(data []byte, idx int) error
	OnChunkDataDone       func(idx int) error

	// OnChunkDataFinished 读到零长度的终止 chunk
	OnChunkDataFinished func() error

	OnMultipartPreamble     func(data []byte) error
	OnMultipartPreambleDone func() error
	OnMultipartHeaderFull   func(key string, value string, idx int) error
	OnMultipartHeader       func(key string, value string, idx int) error
	OnMultipartHeaderDone   func(idx int) error
	OnMultipartData         func(data []byte, idx int) error
	OnMultipartDataDone     func(idx int) error

	// OnMultipartDataFinished 读到最终 boundary 标记
	OnMultipartDataFinished func() error

	OnMultipartEpilouge     func(data []byte) error
	OnMultipartEpilougeDone func() error

	OnTrailerFull func(key string, value string) error
	OnTrailer     func(key string, value string) error
	OnTrailerDone func() error
}
