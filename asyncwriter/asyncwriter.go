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

// Package asyncwriter 提供有界队列加单 worker 线程的异步写引擎
//
// 作为日志 sink 的地基使用 写入方永不阻塞
// 队列满时淘汰最旧的消息 并在下一条真实消息之前补一条丢弃统计
package asyncwriter

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/eventio/eventio/internal/rescue"
)

// LineEnd 行结束符模式
type LineEnd uint8

const (
	// LineEndNative 跟随平台默认
	LineEndNative LineEnd = iota

	// LineEndUnix 统一使用 \n
	LineEndUnix

	// LineEndWindows 统一使用 \r\n
	LineEndWindows
)

func (m LineEnd) chars() string {
	switch m {
	case LineEndUnix:
		return "\n"
	case LineEndWindows:
		return "\r\n"
	}
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

// WriteFunc sink 写回调 在 worker 线程上执行
//
// 返回值表示消息是否被接受 拒绝的消息会被放回队首(最旧端)重试一次
// cmd 为 0 表示普通消息 否则为 SetCommand 投递的控制位
type WriteFunc func(msg string, cmd uint64, thunk any) bool

// StopFunc worker 退出前在 worker 线程上执行
type StopFunc func(thunk any)

// DestroyFunc 销毁 thunk 资源
type DestroyFunc func(thunk any)

// state 写引擎生命周期状态
type state uint8

const (
	stateStopped state = iota
	stateRunning
	stateFlushingToStop    // 排空队列后停止
	stateFlushingToDestroy // 排空队列后销毁
	stateDestroying        // worker 在下一次唤醒时自行销毁
)

// Writer 异步写引擎
//
// 不变式 storedBytes <= maxBytes
// 单条超过 maxBytes 的消息直接丢弃 不影响既有队列
type Writer struct {
	maxBytes  int
	lineEnd   string
	writeCB   WriteFunc
	thunk     any
	stopCB    StopFunc
	destroyCB DestroyFunc

	mut         sync.Mutex
	blockCmdMut sync.Mutex // 串行化 SetCommandBlock 避免阻塞命令交织
	condUpdated *sync.Cond
	condDone    *sync.Cond

	msgs         []string // 队首为最旧消息
	storedBytes  int
	numDropped   uint64
	writeCommand uint64
	forceCommand bool

	state        state
	commandDone  bool
	threadDone   bool
	threadAlive  bool
	threadDoneCh chan struct{}
	aliveCh      chan struct{}
}

// New 创建并返回 *Writer 实例 writeCB 不允许为空
func New(maxBytes int, writeCB WriteFunc, thunk any, stopCB StopFunc, destroyCB DestroyFunc, mode LineEnd) (*Writer, error) {
	if writeCB == nil {
		return nil, fmt.Errorf("asyncwriter: nil write callback")
	}

	w := &Writer{
		maxBytes:    maxBytes,
		lineEnd:     mode.chars(),
		writeCB:     writeCB,
		thunk:       thunk,
		stopCB:      stopCB,
		destroyCB:   destroyCB,
		state:       stateStopped,
		commandDone: true,
	}
	w.condUpdated = sync.NewCond(&w.mut)
	w.condDone = sync.NewCond(&w.mut)
	return w, nil
}

func (w *Writer) inFlush() bool {
	return w.state == stateFlushingToStop || w.state == stateFlushingToDestroy
}

// markAlive 响应在途的存活探测 调用方需持有 w.mut
func (w *Writer) markAlive() {
	if !w.threadAlive {
		w.threadAlive = true
		if w.aliveCh != nil {
			close(w.aliveCh)
			w.aliveCh = nil
		}
	}
}

// popOne 弹出最旧的消息 队列为空时阻塞等待
//
// 返回 ok 为 false 且 cmd 为 0 表示收到了停止请求
// numDropped 为本条消息之前被丢弃的数量 读取后计数被清零
func (w *Writer) popOne() (msg string, ok bool, numDropped uint64, cmd uint64) {
	w.mut.Lock()

	w.markAlive()

	// 等待以下任一条件成立
	//   (1) 队列非空
	//   (2) 收到停止或销毁请求
	//   (3) 设置了写命令且 forceCommand 为真
	for len(w.msgs) == 0 && w.state == stateRunning && (!w.forceCommand || w.writeCommand == 0) {
		w.condUpdated.Wait()
		w.markAlive()
	}

	if w.state == stateDestroying || w.state == stateStopped || (w.inFlush() && len(w.msgs) == 0) {
		if w.state == stateStopped {
			// 未在销毁流程中 丢弃计数留在 writer 里 重新启动后再行输出
			numDropped = 0
		} else {
			// 退出时把仍滞留在队列里的消息也计入丢弃数量
			numDropped = w.numDropped + uint64(len(w.msgs))
		}
		w.mut.Unlock()
		return "", false, numDropped, 0
	}

	if len(w.msgs) > 0 {
		msg = w.msgs[0]
		w.msgs = w.msgs[1:]
		w.storedBytes -= len(msg)
		ok = true

		numDropped = w.numDropped
		w.numDropped = 0
	}

	// 把队列收到的命令转交给调用方
	cmd = w.writeCommand
	w.writeCommand = 0

	w.mut.Unlock()
	return msg, ok, numDropped, cmd
}

// replaceOne 将写入失败的消息放回队首(最旧端)并修正丢弃计数
func (w *Writer) replaceOne(msg string, numDropped uint64) {
	if len(msg) == 0 {
		return
	}

	w.mut.Lock()

	if w.numDropped == 0 && w.storedBytes+len(msg) <= w.maxBytes {
		// 其间没有更新的消息被丢弃 且队列仍有余量 放回队首等待下一轮重试
		w.msgs = append([]string{msg}, w.msgs...)
		w.storedBytes += len(msg)
	} else {
		// 有更新的消息被丢弃 或者旧消息放不回去 只能丢弃
		w.numDropped++
	}

	// 补回首次尝试写入时已存在的丢弃数量
	w.numDropped += numDropped

	w.mut.Unlock()
}

func (w *Writer) worker() {
	defer rescue.HandleCrash()

	for {
		msg, ok, numDropped, cmd := w.popOne()
		msgConsumed := true

		// 有过丢弃则先补一条统计 放在退出判断之前
		// 这样退出时仍滞留在队列里的消息也能被统计到
		if numDropped > 0 {
			cause := "buffer full"
			if !ok && cmd == 0 {
				cause = "log shutdown"
			}
			line := fmt.Sprintf("%d messages were dropped (%s)%s", numDropped, cause, w.lineEnd)
			msgConsumed = w.writeCB(line, 0, w.thunk)
		}

		// 无消息且无命令 队列要求停止
		if !ok && cmd == 0 {
			break
		}

		// 把消息交给 sink 带命令的空消息同样要触发回调
		// 若丢弃统计已经被拒收 则本轮不再尝试
		if msgConsumed {
			msgConsumed = w.writeCB(msg, cmd, w.thunk)
			if cmd != 0 {
				w.mut.Lock()
				w.commandDone = true
				w.condDone.Broadcast()
				w.mut.Unlock()
			}
		}

		// 丢弃统计或消息本体被拒收 放回队列修正计数
		if !msgConsumed && ok {
			w.replaceOne(msg, numDropped)
		}
	}

	// stopCB 在 worker 线程上执行 避免 sink 卡顿拖住主线程
	if w.stopCB != nil {
		w.stopCB(w.thunk)
	}

	w.mut.Lock()
	w.commandDone = true // 确保阻塞在命令上的线程能够退出
	w.threadDone = true
	if w.state == stateFlushingToDestroy {
		w.state = stateDestroying
	} else if w.state == stateFlushingToStop {
		w.state = stateStopped
	}
	destroying := w.state == stateDestroying
	w.condDone.Broadcast()
	close(w.threadDoneCh)
	w.mut.Unlock()

	// 主线程已经超时放弃 worker 自行销毁
	if destroying {
		w.destroyInt()
	}
}

func (w *Writer) destroyInt() {
	if w.destroyCB != nil {
		w.destroyCB(w.thunk)
	}
}

// Start 启动 worker 重复调用是安全的
func (w *Writer) Start() bool {
	w.mut.Lock()

	if w.state != stateStopped {
		running := w.state == stateRunning
		w.mut.Unlock()
		// 已在运行返回 true 处于销毁流程返回 false
		return running
	}

	// 重置为全新状态 writeCommand 有意保留
	w.threadDone = false
	w.threadAlive = true
	w.commandDone = true
	w.threadDoneCh = make(chan struct{})
	w.state = stateRunning

	go w.worker()

	w.mut.Unlock()
	return true
}

// IsRunning 返回 worker 是否处于运行态
func (w *Writer) IsRunning() bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.state == stateRunning
}

// IsAlive 探测 worker 是否存活
//
// 翻转存活标记并唤醒 worker 等待其在循环内重新置位
// 超时仍未置位说明 worker 被 sink 卡住了
func (w *Writer) IsAlive(timeout time.Duration) bool {
	w.mut.Lock()
	if w.state != stateRunning {
		w.mut.Unlock()
		return false
	}

	w.threadAlive = false
	if w.aliveCh == nil {
		w.aliveCh = make(chan struct{})
	}
	ch := w.aliveCh
	w.condUpdated.Broadcast()
	w.mut.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
	}

	w.mut.Lock()
	alive := w.threadAlive
	w.mut.Unlock()
	return alive
}

// Stop 停止 worker 阻塞直到其退出
func (w *Writer) Stop() {
	w.mut.Lock()

	if w.state != stateRunning {
		w.mut.Unlock()
		return
	}

	w.state = stateStopped
	w.condUpdated.Broadcast()
	ch := w.threadDoneCh
	w.mut.Unlock()

	<-ch
}

// Destroy 异步销毁 flush 为 true 时先排空队列
func (w *Writer) Destroy(flush bool) {
	w.mut.Lock()

	// 销毁流程已经在途 直接返回
	if w.state == stateFlushingToDestroy || w.state == stateDestroying {
		w.mut.Unlock()
		return
	}

	// worker 未运行 在当前线程直接销毁
	if w.state == stateStopped {
		w.mut.Unlock()
		w.destroyInt()
		return
	}

	if flush {
		w.state = stateFlushingToDestroy
	} else {
		w.state = stateDestroying
	}
	w.condUpdated.Broadcast()
	w.mut.Unlock()
}

// DestroyBlocking 阻塞销毁 返回 worker 是否在 timeout 内退出
//
// 超时后把 worker 孤儿化 其将在下一次唤醒时自行销毁
// timeout 为 0 表示无限等待
func (w *Writer) DestroyBlocking(flush bool, timeout time.Duration) bool {
	w.mut.Lock()

	if w.state == stateDestroying || w.inFlush() {
		w.mut.Unlock()
		return true
	}

	if w.state == stateStopped {
		w.mut.Unlock()
		w.destroyInt()
		return true
	}

	if flush {
		w.state = stateFlushingToStop
	} else {
		w.state = stateStopped
	}
	w.condUpdated.Broadcast()
	ch := w.threadDoneCh
	w.mut.Unlock()

	if timeout <= 0 {
		<-ch
	} else {
		select {
		case <-ch:
		case <-time.After(timeout):
		}
	}

	w.mut.Lock()
	done := w.threadDone
	if done {
		w.mut.Unlock()
		w.destroyInt()
		return true
	}

	// 等待超时 通知 worker 在下一次唤醒时自行销毁
	w.state = stateDestroying
	w.condUpdated.Broadcast()
	w.mut.Unlock()
	return false
}

// SetCommand 设置命令位 force 为 true 时即使队列为空也唤醒 worker
func (w *Writer) SetCommand(cmd uint64, force bool) bool {
	w.mut.Lock()

	// flush 阶段不再接受新命令
	if w.inFlush() {
		w.mut.Unlock()
		return false
	}

	w.writeCommand |= cmd
	w.forceCommand = w.forceCommand || force

	if force {
		w.condUpdated.Broadcast()
	}

	w.mut.Unlock()
	return true
}

// SetCommandBlock 设置命令位并阻塞至 worker 处理完毕
//
// 由独立的 blockCmdMut 串行化 并发的阻塞命令不会交织
func (w *Writer) SetCommandBlock(cmd uint64) bool {
	w.blockCmdMut.Lock()
	defer w.blockCmdMut.Unlock()

	w.mut.Lock()

	if w.inFlush() {
		w.mut.Unlock()
		return false
	}

	w.writeCommand |= cmd
	w.forceCommand = true // 阻塞命令必须强制唤醒

	w.condUpdated.Broadcast()

	w.commandDone = false
	for !w.commandDone {
		w.condDone.Wait()
	}

	w.mut.Unlock()
	return true
}

// SetMaxBytes 调整队列容量上限
func (w *Writer) SetMaxBytes(n int) {
	w.mut.Lock()
	w.maxBytes = n
	w.mut.Unlock()
}

// Write 入队一条消息 返回消息是否被接受
//
// 队列满时淘汰最旧的消息腾位 单条超限的消息直接丢弃
func (w *Writer) Write(msg string) bool {
	if len(msg) == 0 {
		return false
	}

	w.mut.Lock()
	defer w.mut.Unlock()

	// flush 阶段不再接受新消息
	if w.inFlush() {
		return false
	}

	// 消息本身超过队列上限 丢弃且不影响既有内容
	if len(msg) > w.maxBytes {
		w.numDropped++
		return false
	}

	w.msgs = append(w.msgs, msg)
	w.storedBytes += len(msg)

	// 超限则从最旧端淘汰
	for w.storedBytes > w.maxBytes {
		old := w.msgs[0]
		w.msgs = w.msgs[1:]
		w.storedBytes -= len(old)
		w.numDropped++
	}

	w.condUpdated.Broadcast()
	return true
}

// Thunk 返回创建时传入的 thunk
func (w *Writer) Thunk() any {
	return w.thunk
}

// GetLineEnd 返回行结束符
func (w *Writer) GetLineEnd() string {
	return w.lineEnd
}

// NumDropped 返回当前累计的丢弃数量 仅供诊断
func (w *Writer) NumDropped() uint64 {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.numDropped
}

// StoredBytes 返回队列中暂存的字节数 仅供诊断
func (w *Writer) StoredBytes() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.storedBytes
}
