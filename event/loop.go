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
	"bytes"
	"container/heap"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eventio/eventio/internal/rescue"
)

// softEvent 软事件 以普通事件的身份进入下一轮派发
type softEvent struct {
	h      *Handle
	origin int // 发起事件的 layer 索引 事件只向其上层冒泡 -1 代表从传输层起步
	ev     Event
}

// Loop 事件循环 调度定时器 软事件与 I/O 就绪事件
//
// 默认为单线程协作式 所有回调在 Run 所在的 goroutine 上顺序执行
// Pool 模式下不同 Handle 的回调可以并行 但同一 Handle 或同一 Timer 的回调始终串行
//
// 跨线程唤醒管道在构造时立即创建 `绝不允许` 由生产者线程惰性初始化
type Loop struct {
	id string

	mut      sync.Mutex
	fireCond *sync.Cond

	timers    timerHeap
	seq       uint64
	softQueue []softEvent
	ioQueue   []softEvent
	handles   map[*Handle]struct{}

	wakeup chan struct{}

	pool *pool

	gid      atomic.Uint64
	running  atomic.Bool
	doneReq  atomic.Bool
	retReq   atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
}

// New 创建单线程事件循环
func New() *Loop {
	l := &Loop{
		id:      uuid.New().String(),
		wakeup:  make(chan struct{}, 1),
		handles: make(map[*Handle]struct{}),
		stopped: make(chan struct{}),
	}
	l.fireCond = sync.NewCond(&l.mut)
	return l
}

// NewPool 创建带 worker 池的事件循环 n 为并行度
func NewPool(n int) *Loop {
	l := New()
	if n > 1 {
		l.pool = newPool(n)
	}
	return l
}

// ID 返回循环唯一标识
func (l *Loop) ID() string {
	return l.id
}

func (l *Loop) nextSeq() uint64 {
	l.seq++
	return l.seq
}

// poke 向唤醒管道投递一个字节 促使循环线程重新评估下一次超时
func (l *Loop) poke() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// curGID 解析当前 goroutine 编号 仅用于自线程判定 不在热路径上
func curGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

func (l *Loop) onLoopThread() bool {
	return l.gid.Load() == curGID() && l.gid.Load() != 0
}

// Run 运行事件循环 阻塞直到 Done 或 Return 被调用
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return newError("loop already running")
	}
	l.gid.Store(curGID())
	defer func() {
		l.gid.Store(0)
		l.running.Store(false)
		l.stopOnce.Do(func() { close(l.stopped) })
		if l.pool != nil {
			l.pool.shutdown()
		}
	}()

	for {
		if l.retReq.Load() {
			return nil
		}

		progressed := l.dispatchTimers()
		if l.retReq.Load() {
			return nil
		}
		progressed = l.dispatchQueue(&l.softQueue) || progressed
		if l.retReq.Load() {
			return nil
		}
		progressed = l.dispatchQueue(&l.ioQueue) || progressed

		// 任一分组有过派发 则在休眠前重新检查所有分组
		if progressed {
			continue
		}
		if l.doneReq.Load() {
			return nil
		}

		l.sleep()
	}
}

// sleep 等待下一个定时器到期或唤醒信号
func (l *Loop) sleep() {
	l.mut.Lock()
	var wait time.Duration = -1
	if len(l.timers) > 0 {
		wait = time.Until(l.timers[0].nextFire)
		if wait < 0 {
			wait = 0
		}
	}
	l.mut.Unlock()

	if wait == 0 {
		return
	}
	if wait < 0 {
		<-l.wakeup
		return
	}

	tm := time.NewTimer(wait)
	defer tm.Stop()
	select {
	case <-l.wakeup:
	case <-tm.C:
	}
}

// Done 请求循环在派发完当前回调后退出 幂等且线程安全
func (l *Loop) Done() {
	l.doneReq.Store(true)
	l.poke()
}

// Return 请求循环立即返回 幂等且线程安全
func (l *Loop) Return() {
	l.retReq.Store(true)
	l.poke()
}

// Wait 阻塞直到循环退出
func (l *Loop) Wait() {
	<-l.stopped
}

// dispatchTimers 派发所有已到期的定时器 返回是否有过触发
func (l *Loop) dispatchTimers() bool {
	var fired bool
	for {
		now := time.Now()

		l.mut.Lock()
		if len(l.timers) == 0 || l.timers[0].nextFire.After(now) {
			l.mut.Unlock()
			return fired
		}
		t := heap.Pop(&l.timers).(*Timer)
		if t.removed {
			l.mut.Unlock()
			continue
		}
		t.firing = true
		genBefore := t.gen
		l.mut.Unlock()

		l.runTimer(t, genBefore)
		fired = true

		if l.retReq.Load() {
			return fired
		}
	}
}

// runTimer 执行定时器回调并处理重复调度
//
// 重复定时器以 `计划触发时间` 为锚点推进 回调耗时不会累积漂移
// 超期超过一个周期的中间触发合并为一次
func (l *Loop) runTimer(t *Timer, genBefore uint64) {
	func() {
		defer rescue.HandleCrash()
		t.cb()
	}()

	l.mut.Lock()
	t.firing = false
	l.fireCond.Broadcast()

	// 回调期间发生过 Start/Remove 则新的调度已各自生效
	if t.removed || t.gen != genBefore {
		l.mut.Unlock()
		return
	}

	if t.fireLeft > 0 {
		t.fireLeft--
	}
	if t.fireLeft == 0 {
		if t.autoRemove {
			t.removed = true
		}
		l.mut.Unlock()
		return
	}

	t.scheduledAt = t.scheduledAt.Add(t.interval)
	if now := time.Now(); t.scheduledAt.Before(now) && t.interval > 0 {
		periods := now.Sub(t.scheduledAt) / t.interval
		t.scheduledAt = t.scheduledAt.Add(t.interval * periods)
	}
	t.nextFire = t.scheduledAt
	if t.heapIdx < 0 {
		t.seq = l.nextSeq()
		heap.Push(&l.timers, t)
	} else {
		heap.Fix(&l.timers, t.heapIdx)
	}
	l.mut.Unlock()
}

// dispatchQueue 按 FIFO 派发一组事件 返回是否有过派发
func (l *Loop) dispatchQueue(q *[]softEvent) bool {
	l.mut.Lock()
	if len(*q) == 0 {
		l.mut.Unlock()
		return false
	}
	pending := *q
	*q = nil
	l.mut.Unlock()

	for i := range pending {
		se := pending[i]
		if l.pool != nil {
			l.pool.submit(se.h, se)
		} else {
			se.h.deliver(se.origin, se.ev)
		}
		if l.retReq.Load() {
			// 剩余事件放回队首 保持 FIFO
			l.mut.Lock()
			*q = append(pending[i+1:], *q...)
			l.mut.Unlock()
			return true
		}
	}
	return true
}

// addSoftEvent 入队软事件 crossThread 为 true 时允许从任意线程调用
func (l *Loop) addSoftEvent(h *Handle, origin int, ev Event, crossThread bool) {
	se := softEvent{h: h, origin: origin, ev: ev}

	l.mut.Lock()
	l.softQueue = append(l.softQueue, se)
	l.mut.Unlock()

	if crossThread {
		l.poke()
	}
}

// addIOEvent 入队 I/O 就绪事件 由传输层投递
func (l *Loop) addIOEvent(h *Handle, ev Event) {
	l.mut.Lock()
	l.ioQueue = append(l.ioQueue, softEvent{h: h, origin: -1, ev: ev})
	l.mut.Unlock()
	l.poke()
}

func (l *Loop) registerHandle(h *Handle) {
	l.mut.Lock()
	l.handles[h] = struct{}{}
	l.mut.Unlock()
}

func (l *Loop) unregisterHandle(h *Handle) {
	l.mut.Lock()
	delete(l.handles, h)

	// 丢弃该 Handle 尚未派发的事件
	l.softQueue = dropHandleEvents(l.softQueue, h)
	l.ioQueue = dropHandleEvents(l.ioQueue, h)
	l.mut.Unlock()
}

func dropHandleEvents(q []softEvent, h *Handle) []softEvent {
	out := q[:0]
	for _, se := range q {
		if se.h != h {
			out = append(out, se)
		}
	}
	return out
}

// NumHandles 返回已注册的 Handle 数量
func (l *Loop) NumHandles() int {
	l.mut.Lock()
	defer l.mut.Unlock()
	return len(l.handles)
}
