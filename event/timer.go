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
	"container/heap"
	"time"
)

// TimerFunc 定时器回调 运行在事件循环线程上
type TimerFunc func()

// Timer 事件循环持有的定时器
//
// 生命周期上一个 Timer 只会处于三种状态之一
// * scheduled: 已入堆 等待触发
// * firing:    回调正在执行
// * detached:  未调度 等待 Start 或已被 Remove
//
// 堆中同一 Timer 至多存在一个条目 因此 `并发的重复 Start 天然合并`
// 这是 fire_count=1 定时器在跨线程竞争下仅触发一次的关键保证
type Timer struct {
	loop *Loop
	cb   TimerFunc

	interval    time.Duration
	nextFire    time.Time
	scheduledAt time.Time // 本次触发的计划时间 重复调度以它为锚点避免漂移
	seq         uint64    // 入堆序号 触发时间相同时按先来后到
	heapIdx     int       // 堆内索引 -1 表示不在堆中

	fireCount  int    // 配置的触发次数上限 0 表示不限制
	fireLeft   int    // 剩余触发次数 <0 表示不限制
	gen        uint64 // 调度代际 Start/Stop 时递增 用于识别回调期间的重新调度
	autoRemove bool
	firing     bool
	removed    bool
}

// AddTimer 创建一个 detached 状态的定时器
func (l *Loop) AddTimer(cb TimerFunc) *Timer {
	return &Timer{
		loop:    l,
		cb:      cb,
		heapIdx: -1,
	}
}

// Oneshot 创建并立即调度一个只触发一次的定时器
//
// autoRemove 为 true 时触发后自动销毁
func Oneshot(l *Loop, d time.Duration, autoRemove bool, cb TimerFunc) *Timer {
	t := l.AddTimer(cb)
	t.autoRemove = autoRemove
	t.SetFireCount(1)
	t.Start(d)
	return t
}

// SetFireCount 限制每次 Start 后的触发次数
func (t *Timer) SetFireCount(n int) {
	t.loop.mut.Lock()
	t.fireCount = n
	if n > 0 {
		t.fireLeft = n
	} else {
		t.fireLeft = -1
	}
	t.loop.mut.Unlock()
}

// Start 调度定时器 interval 后触发 可从任意线程调用
//
// 已处于 scheduled 状态时仅更新触发时间 不会产生第二个堆条目
func (t *Timer) Start(interval time.Duration) error {
	l := t.loop

	l.mut.Lock()
	if t.removed {
		l.mut.Unlock()
		return ErrClosed
	}

	now := time.Now()
	t.interval = interval
	t.scheduledAt = now.Add(interval)
	t.nextFire = t.scheduledAt
	t.gen++
	if t.fireCount > 0 {
		t.fireLeft = t.fireCount
	} else {
		t.fireLeft = -1
	}

	if t.heapIdx >= 0 {
		heap.Fix(&l.timers, t.heapIdx)
	} else {
		t.seq = l.nextSeq()
		heap.Push(&l.timers, t)
	}
	l.mut.Unlock()

	l.poke()
	return nil
}

// Stop 取消调度 不销毁 可从任意线程调用
func (t *Timer) Stop() {
	l := t.loop

	l.mut.Lock()
	if t.heapIdx >= 0 {
		heap.Remove(&l.timers, t.heapIdx)
	}
	t.gen++
	l.mut.Unlock()

	l.poke()
}

// Remove 取消调度并销毁定时器
//
// 若回调正在其他线程执行 则等待其完成后再返回
// 在回调内部对自身调用 Remove 不会阻塞
func (t *Timer) Remove() {
	l := t.loop

	l.mut.Lock()
	if t.heapIdx >= 0 {
		heap.Remove(&l.timers, t.heapIdx)
	}
	t.removed = true

	// 回调线程内自删除无需等待 否则会自锁
	if !l.onLoopThread() {
		for t.firing {
			l.fireCond.Wait()
		}
	}
	l.mut.Unlock()

	l.poke()
}

// timerHeap 以 nextFire 为序的最小堆 相同触发时间按入堆序号排序
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].nextFire.Equal(h[j].nextFire) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextFire.Before(h[j].nextFire)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}
