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

package bufpool

import (
	"bytes"
	"sync"

	"github.com/valyala/bytebufferpool"
)

var pool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// Acquire 从池中获取 *bytes.Buffer 实例
func Acquire() *bytes.Buffer {
	return pool.Get().(*bytes.Buffer)
}

// Release 重置并归还 *bytes.Buffer 实例
func Release(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	pool.Put(buf)
}

// AcquireBytes 从池中获取 *bytebufferpool.ByteBuffer 实例
//
// 适用于只追加写的场景 相比 bytes.Buffer 少一层接口转换开销
func AcquireBytes() *bytebufferpool.ByteBuffer {
	return bytebufferpool.Get()
}

// ReleaseBytes 归还 *bytebufferpool.ByteBuffer 实例
func ReleaseBytes(buf *bytebufferpool.ByteBuffer) {
	bytebufferpool.Put(buf)
}
