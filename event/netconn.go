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
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eventio/eventio/bytebuf"
	"github.com/eventio/eventio/common"
	"github.com/eventio/eventio/internal/rescue"
)

// NetConnLayer net.Conn 之上的传输层 作为 Handle 栈的第 0 层
//
// 读方向由独立的 goroutine 驱动 每读到一块数据便向事件循环投递一个
// TypeRead 就绪事件 上层在回调中通过 Read 拉取 无数据时返回 ErrWouldBlock
// 写方向直接落到 net.Conn 上
type NetConnLayer struct {
	conn net.Conn

	rxMut sync.Mutex
	rx    *bytebuf.Buffer

	deferred bool
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewNetConn 创建并返回 *NetConnLayer 实例
func NewNetConn(conn net.Conn) *NetConnLayer {
	return &NetConnLayer{
		conn: conn,
		rx:   bytebuf.New(),
	}
}

// NewNetConnDeferred 创建暂不启动读 goroutine 的传输层
//
// 供需要先在裸链接上完成握手的过滤层使用 如 TLS
// 上层在握手完成后调用 SwapConn + StartIO 接管数据面
func NewNetConnDeferred(conn net.Conn) *NetConnLayer {
	return &NetConnLayer{
		conn:     conn,
		rx:       bytebuf.New(),
		deferred: true,
	}
}

// SwapConn 替换底层链接 仅允许在读 goroutine 启动之前调用
func (nc *NetConnLayer) SwapConn(conn net.Conn) {
	nc.conn = conn
}

// StartIO 启动读 goroutine 与 NewNetConnDeferred 配对使用
func (nc *NetConnLayer) StartIO(h *Handle) {
	nc.wg.Add(1)
	go func() {
		defer rescue.HandleCrash()
		defer nc.wg.Done()
		nc.readLoop(h)
	}()
}

func (nc *NetConnLayer) Name() string {
	return "netconn"
}

// Init 启动读 goroutine 并冒泡 TypeConnected
//
// deferred 模式下照常冒泡 TypeConnected 仅读 goroutine 推迟到上层调用 StartIO
func (nc *NetConnLayer) Init(st *Stack) error {
	st.PostIO(Event{Type: TypeConnected})
	if nc.deferred {
		return nil
	}
	nc.StartIO(st.Handle())
	return nil
}

func (nc *NetConnLayer) readLoop(h *Handle) {
	buf := make([]byte, common.ReadWriteBlockSize)
	for {
		n, err := nc.conn.Read(buf)
		if n > 0 {
			nc.rxMut.Lock()
			_ = nc.rx.AddBytes(buf[:n])
			nc.rxMut.Unlock()
			h.loop.addIOEvent(h, Event{Type: TypeRead})
		}
		if err != nil {
			if nc.closed.Load() {
				return
			}
			if err == io.EOF {
				h.loop.addIOEvent(h, Event{Type: TypeDisconnected})
			} else {
				h.loop.addIOEvent(h, Event{Type: TypeError, Err: err})
			}
			return
		}
	}
}

// Read 取走已缓存的入站数据
func (nc *NetConnLayer) Read(st *Stack, p []byte) (int, error) {
	nc.rxMut.Lock()
	defer nc.rxMut.Unlock()

	if nc.rx.Len() == 0 {
		if nc.closed.Load() {
			return 0, ErrClosed
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, nc.rx.Peek())
	nc.rx.Drop(n)
	return n, nil
}

// Write 直接写入 net.Conn
func (nc *NetConnLayer) Write(st *Stack, p []byte) (int, error) {
	if nc.closed.Load() {
		return 0, ErrClosed
	}
	return nc.conn.Write(p)
}

// ProcessEvent 传输层不消费任何事件
func (nc *NetConnLayer) ProcessEvent(st *Stack, ev Event) bool {
	return false
}

// Shutdown 半关闭 关闭链接并冒泡 TypeDisconnected
func (nc *NetConnLayer) Shutdown(st *Stack) {
	if nc.closed.CompareAndSwap(false, true) {
		_ = nc.conn.Close()
		st.PostIO(Event{Type: TypeDisconnected})
	}
}

func (nc *NetConnLayer) Unregister(st *Stack) {}

// Destroy 关闭链接并等待读 goroutine 退出
func (nc *NetConnLayer) Destroy(st *Stack) error {
	nc.closed.Store(true)
	err := nc.conn.Close()
	nc.wg.Wait()
	return err
}

// Conn 返回底层 net.Conn 供 TLS 等需要替换传输的过滤层使用
func (nc *NetConnLayer) Conn() net.Conn {
	return nc.conn
}
