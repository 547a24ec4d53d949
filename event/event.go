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

package event

import (
	"github.com/pkg/errors"
)

func newError(format string, args ...any) error {
	format = "event: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrWouldBlock 当前操作暂时无法推进 就绪后重试
	ErrWouldBlock = newError("operation would block")

	// ErrClosed 对象已经处于关闭状态
	ErrClosed = newError("closed")

	// ErrAttached Handle 已经注册至某个事件循环
	ErrAttached = newError("handle already attached")

	// ErrDetached 操作要求 Handle 已注册
	ErrDetached = newError("handle not attached")
)

// Type 事件类型
type Type uint8

const (
	// TypeConnected 底层传输已建立
	TypeConnected Type = iota

	// TypeAccepted 监听端接受了新链接
	TypeAccepted

	// TypeRead 有数据可读
	TypeRead

	// TypeWrite 可以继续写入
	TypeWrite

	// TypeDisconnected 对端正常关闭
	TypeDisconnected

	// TypeError 出现不可恢复错误 错误信息随事件携带
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeConnected:
		return "connected"
	case TypeAccepted:
		return "accepted"
	case TypeRead:
		return "read"
	case TypeWrite:
		return "write"
	case TypeDisconnected:
		return "disconnected"
	case TypeError:
		return "error"
	}
	return "unknown"
}

// Event 投递给 Layer 以及用户回调的事件实体
type Event struct {
	Type Type
	Err  error
}
