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
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Layer 是 Handle 栈中的一个节点
//
// 索引 0 为传输层 更高的索引为过滤层
// 事件自下而上冒泡 写入自上而下传递 各方法均携带定位用的 *Stack
// 同一 Handle 的回调不会并发执行 Layer 实现无需自行加锁
type Layer interface {
	// Name 返回层名称 用于诊断输出
	Name() string

	// Init 在 Handle 注册至事件循环时调用 自下而上
	Init(st *Stack) error

	// Read 从本层读取数据 由上一层或用户调用
	// 无数据可读时返回 ErrWouldBlock
	Read(st *Stack, p []byte) (int, error)

	// Write 向本层写入数据 由上一层或用户调用
	// 暂时无法写入时返回 ErrWouldBlock
	Write(st *Stack, p []byte) (int, error)

	// ProcessEvent 处理自下层冒泡上来的事件
	// 返回 true 表示事件被吞掉 不再向上传递
	ProcessEvent(st *Stack, ev Event) bool

	// Unregister 在 Handle 与事件循环解除注册时调用
	Unregister(st *Stack)

	// Destroy 释放本层资源 自上而下调用
	Destroy(st *Stack) error
}

// Flusher Layer 可选实现 Disconnect 半关闭时自上而下排空未写出的数据
type Flusher interface {
	Flush(st *Stack) error
}

// CallbackFunc Handle 的用户回调 收到未被任何 Layer 吞掉的事件
type CallbackFunc func(h *Handle, ev Event)

// Stack 定位某一层在 Handle 栈中的位置 仅在回调调用期间有效
//
// Layer 实现不应该长期持有 Stack 引用 每次回调都会收到新的定位
type Stack struct {
	h   *Handle
	idx int
}

// Handle 返回所属 Handle
func (st *Stack) Handle() *Handle {
	return st.h
}

// Index 返回本层索引
func (st *Stack) Index() int {
	return st.idx
}

// ReadBelow 从下一层读取数据
func (st *Stack) ReadBelow(p []byte) (int, error) {
	if st.idx == 0 {
		return 0, newError("transport layer has nothing below")
	}
	below := st.h.layers[st.idx-1]
	return below.Read(&Stack{h: st.h, idx: st.idx - 1}, p)
}

// WriteBelow 向下一层写入数据
func (st *Stack) WriteBelow(p []byte) (int, error) {
	if st.idx == 0 {
		return 0, newError("transport layer has nothing below")
	}
	below := st.h.layers[st.idx-1]
	return below.Write(&Stack{h: st.h, idx: st.idx - 1}, p)
}

// AddSoftEvent 以本层身份入队软事件 事件将向上层冒泡
//
// crossThread 为 true 时允许从任意线程调用 经由事件循环的唤醒管道串行化
// 为 false 时仅允许在本循环的回调上下文内调用
func (st *Stack) AddSoftEvent(crossThread bool, ev Event) {
	st.h.loop.addSoftEvent(st.h, st.idx, ev, crossThread)
}

// PostIO 投递 I/O 就绪事件 传输层从其读写 goroutine 调用
func (st *Stack) PostIO(ev Event) {
	st.h.loop.addIOEvent(st.h, ev)
}

// Handle 一条 I/O 通道 由有序的 Layer 栈加事件循环引用构成
//
// 生命周期: 创建(detached) -> Attach -> 收发事件 -> Disconnect / Destroy
// 任一时刻至多归属一个事件循环 Layer 仅允许在 Attach 之前添加
type Handle struct {
	id   string
	loop *Loop
	cb   CallbackFunc

	stackMut sync.RWMutex
	layers   []Layer

	dispatchMut sync.Mutex // Pool 模式下串行化同一 Handle 的回调
	pendMut     sync.Mutex
	pendQ       []softEvent
	pendActive  bool

	tagMut sync.RWMutex
	tags   map[string]any

	attached bool
	closed   bool
}

// NewHandle 创建 detached 状态的 Handle transport 为栈底传输层
func NewHandle(transport Layer) *Handle {
	return &Handle{
		id:     uuid.New().String(),
		layers: []Layer{transport},
		tags:   make(map[string]any),
	}
}

// ID 返回 Handle 唯一标识
func (h *Handle) ID() string {
	return h.id
}

// AddLayer 在栈顶追加过滤层 仅允许在 Attach 之前调用
func (h *Handle) AddLayer(layer Layer) error {
	h.stackMut.Lock()
	defer h.stackMut.Unlock()

	if h.attached {
		return ErrAttached
	}
	h.layers = append(h.layers, layer)
	return nil
}

// Transport 返回栈底传输层
func (h *Handle) Transport() Layer {
	h.stackMut.RLock()
	defer h.stackMut.RUnlock()
	return h.layers[0]
}

// NumLayers 返回栈内层数
func (h *Handle) NumLayers() int {
	h.stackMut.RLock()
	defer h.stackMut.RUnlock()
	return len(h.layers)
}

// Attach 将 Handle 注册至事件循环 自下而上初始化各层
func (h *Handle) Attach(l *Loop, cb CallbackFunc) error {
	h.stackMut.Lock()
	if h.attached {
		h.stackMut.Unlock()
		return ErrAttached
	}
	h.loop = l
	h.cb = cb
	h.attached = true
	layers := h.layers
	h.stackMut.Unlock()

	l.registerHandle(h)

	for i, layer := range layers {
		if err := layer.Init(&Stack{h: h, idx: i}); err != nil {
			l.unregisterHandle(h)
			return err
		}
	}
	return nil
}

// deliver 自 origin 的上一层起冒泡事件 未被吞掉则交给用户回调
func (h *Handle) deliver(origin int, ev Event) {
	h.stackMut.RLock()
	layers := h.layers
	cb := h.cb
	closed := h.closed
	h.stackMut.RUnlock()

	if closed {
		return
	}

	for i := origin + 1; i < len(layers); i++ {
		if layers[i].ProcessEvent(&Stack{h: h, idx: i}, ev) {
			return
		}
	}
	if cb != nil {
		cb(h, ev)
	}
}

// Read 从栈顶读取数据
func (h *Handle) Read(p []byte) (int, error) {
	h.stackMut.RLock()
	defer h.stackMut.RUnlock()

	if h.closed {
		return 0, ErrClosed
	}
	top := len(h.layers) - 1
	return h.layers[top].Read(&Stack{h: h, idx: top}, p)
}

// Write 向栈顶写入数据 自上而下传递
func (h *Handle) Write(p []byte) (int, error) {
	h.stackMut.RLock()
	defer h.stackMut.RUnlock()

	if h.closed {
		return 0, ErrClosed
	}
	top := len(h.layers) - 1
	return h.layers[top].Write(&Stack{h: h, idx: top}, p)
}

// Disconnect 半关闭 自上而下排空未写出的数据后关闭传输
//
// 关闭完成后传输层会冒泡 TypeDisconnected 事件
func (h *Handle) Disconnect() {
	h.stackMut.RLock()
	layers := h.layers
	h.stackMut.RUnlock()

	for i := len(layers) - 1; i >= 0; i-- {
		if f, ok := layers[i].(Flusher); ok {
			_ = f.Flush(&Stack{h: h, idx: i})
		}
	}
	if closer, ok := layers[0].(interface{ Shutdown(st *Stack) }); ok {
		closer.Shutdown(&Stack{h: h, idx: 0})
	}
}

// Destroy 硬关闭 解除注册并自上而下销毁所有层
func (h *Handle) Destroy() error {
	h.stackMut.Lock()
	if h.closed {
		h.stackMut.Unlock()
		return nil
	}
	h.closed = true
	layers := h.layers
	attached := h.attached
	loop := h.loop
	h.stackMut.Unlock()

	if attached {
		loop.unregisterHandle(h)
		for i := len(layers) - 1; i >= 0; i-- {
			layers[i].Unregister(&Stack{h: h, idx: i})
		}
	}

	var errs *multierror.Error
	for i := len(layers) - 1; i >= 0; i-- {
		if err := layers[i].Destroy(&Stack{h: h, idx: i}); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// SoftEvent 以 origin 层的身份入队软事件 事件向 origin 的上层冒泡
//
// 供过滤层在定时器回调等没有 Stack 上下文的场合使用
// origin 传 idx-1 可以让事件从第 idx 层自身开始派发
func (h *Handle) SoftEvent(origin int, crossThread bool, ev Event) {
	h.loop.addSoftEvent(h, origin, ev, crossThread)
}

// SetTag 记录用户数据
func (h *Handle) SetTag(k string, v any) {
	h.tagMut.Lock()
	h.tags[k] = v
	h.tagMut.Unlock()
}

// Tag 读取用户数据
func (h *Handle) Tag(k string) (any, bool) {
	h.tagMut.RLock()
	defer h.tagMut.RUnlock()
	v, ok := h.tags[k]
	return v, ok
}

// Loop 返回所属事件循环 未注册时为 nil
func (h *Handle) Loop() *Loop {
	h.stackMut.RLock()
	defer h.stackMut.RUnlock()
	return h.loop
}
