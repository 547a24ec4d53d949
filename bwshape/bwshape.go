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

// Package bwshape 提供按字节速率整形与延迟注入的 I/O 过滤层
//
// 内部为每个方向维护一个令牌桶 读写尝试消耗令牌
// trickle 模式下令牌不足返回 would-block 并由定时器在令牌累积后补发就绪事件
// drop 模式下超出配额的字节被直接丢弃
package bwshape

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eventio/eventio/event"
)

// Direction 整形方向
type Direction uint8

const (
	// In 入站方向 对 Read 生效
	In Direction = iota

	// Out 出站方向 对 Write 生效
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Mode 超出速率时的处理模式
type Mode uint8

const (
	// ModeTrickle 截流 返回 would-block 并延迟重试
	ModeTrickle Mode = iota

	// ModeDrop 丢弃超出配额的字节
	ModeDrop
)

// Config 单方向的整形配置
type Config struct {
	PeakBps int           `config:"peakBps"` // 峰值速率 0 表示不限制
	Latency time.Duration `config:"latency"` // 固定延迟注入
	Mode    Mode          `config:"mode"`
}

// Stats 单方向的累计统计
type Stats struct {
	Bytes    uint64 // 通过的总字节
	WallMs   int64  // 被延迟的累计毫秒
	Bps      int    // 最近一个窗口的瞬时速率
}

// bpsWindow 瞬时速率的滑动窗口 窗口宽度 50ms
const bpsWindow = 50 * time.Millisecond

type sample struct {
	at time.Time
	n  int
}

// shaper 单方向整形状态
type shaper struct {
	mut     sync.Mutex
	limiter *rate.Limiter
	mode    Mode
	latency time.Duration

	// 延迟注入队列 队首元素到期后才放行
	delayed []delayedChunk

	bytes   uint64
	wallMs  int64
	samples []sample

	pending bool // 已有补发定时器在途
}

type delayedChunk struct {
	data []byte
	due  time.Time
}

func newShaper(cfg Config) *shaper {
	s := &shaper{
		mode:    cfg.Mode,
		latency: cfg.Latency,
	}
	if cfg.PeakBps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PeakBps), cfg.PeakBps)
	}
	return s
}

// allow 返回当前允许通过的字节数 0 表示需要等待
func (s *shaper) allow(want int) int {
	if s.limiter == nil {
		return want
	}
	tokens := int(s.limiter.Tokens())
	if tokens <= 0 {
		return 0
	}
	if tokens < want {
		want = tokens
	}
	_ = s.limiter.AllowN(time.Now(), want)
	return want
}

// wait 返回凑齐 n 个令牌大约需要的时长
func (s *shaper) wait(n int) time.Duration {
	if s.limiter == nil {
		return 0
	}
	d := time.Duration(float64(n) / float64(s.limiter.Limit()) * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (s *shaper) account(n int) {
	now := time.Now()
	s.bytes += uint64(n)
	s.samples = append(s.samples, sample{at: now, n: n})

	// 丢弃窗口之外的样本
	cut := 0
	for cut < len(s.samples) && now.Sub(s.samples[cut].at) > bpsWindow {
		cut++
	}
	s.samples = s.samples[cut:]
}

func (s *shaper) stats() Stats {
	s.mut.Lock()
	defer s.mut.Unlock()

	var n int
	for _, sp := range s.samples {
		n += sp.n
	}
	return Stats{
		Bytes:  s.bytes,
		WallMs: s.wallMs,
		Bps:    n * int(time.Second/bpsWindow),
	}
}

// SetThrottlePeriod 设置短时突发窗口 允许在 seconds 内累积 peak*pct% 的配额
func (s *shaper) setThrottlePeriod(seconds int, pctOfPeak int) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.limiter == nil || seconds <= 0 || pctOfPeak <= 0 {
		return
	}
	burst := int(float64(s.limiter.Limit()) * float64(seconds) * float64(pctOfPeak) / 100)
	if burst < 1 {
		burst = 1
	}
	s.limiter.SetBurst(burst)
}

// Layer 带宽整形过滤层
type Layer struct {
	in  *shaper
	out *shaper

	h   *event.Handle
	idx int
}

// New 创建并返回 *Layer 实例
func New(in Config, out Config) *Layer {
	return &Layer{
		in:  newShaper(in),
		out: newShaper(out),
	}
}

func (l *Layer) shaperOf(dir Direction) *shaper {
	if dir == In {
		return l.in
	}
	return l.out
}

// SetThrottlePeriod 设置指定方向的短时突发窗口
func (l *Layer) SetThrottlePeriod(dir Direction, seconds int, pctOfPeak int) {
	l.shaperOf(dir).setThrottlePeriod(seconds, pctOfPeak)
}

// Stats 返回指定方向的统计数据
func (l *Layer) Stats(dir Direction) Stats {
	return l.shaperOf(dir).stats()
}

func (l *Layer) Name() string {
	return "bwshape"
}

func (l *Layer) Init(st *event.Stack) error {
	l.h = st.Handle()
	l.idx = st.Index()
	return nil
}

// retrigger 在令牌大约凑齐时向本层补发就绪事件
func (l *Layer) retrigger(s *shaper, d time.Duration, ev event.Event) {
	if s.pending {
		return
	}
	s.pending = true

	loop := l.h.Loop()
	event.Oneshot(loop, d, true, func() {
		s.mut.Lock()
		s.pending = false
		s.mut.Unlock()
		l.h.SoftEvent(l.idx-1, false, ev)
	})
}

// Read 按令牌配额从下层读取
func (l *Layer) Read(st *event.Stack, p []byte) (int, error) {
	s := l.in

	s.mut.Lock()

	// 延迟队列优先 到期的数据先于新数据交付
	if len(s.delayed) > 0 {
		now := time.Now()
		head := s.delayed[0]
		if head.due.After(now) {
			wait := head.due.Sub(now)
			l.retrigger(s, wait, event.Event{Type: event.TypeRead})
			s.mut.Unlock()
			return 0, event.ErrWouldBlock
		}
		n := copy(p, head.data)
		if n == len(head.data) {
			s.delayed = s.delayed[1:]
		} else {
			s.delayed[0].data = head.data[n:]
		}
		s.account(n)
		s.mut.Unlock()
		return n, nil
	}

	quota := s.allow(len(p))
	if quota == 0 {
		s.wallMs += int64(s.wait(1) / time.Millisecond)
		l.retrigger(s, s.wait(minInt(len(p), 1024)), event.Event{Type: event.TypeRead})
		s.mut.Unlock()
		return 0, event.ErrWouldBlock
	}
	s.mut.Unlock()

	n, err := st.ReadBelow(p[:quota])
	if err != nil {
		return n, err
	}

	s.mut.Lock()
	if s.latency > 0 {
		// 延迟注入 数据入队并按到期时间放行
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		s.delayed = append(s.delayed, delayedChunk{data: chunk, due: time.Now().Add(s.latency)})
		l.retrigger(s, s.latency, event.Event{Type: event.TypeRead})
		s.mut.Unlock()
		return 0, event.ErrWouldBlock
	}
	s.account(n)
	s.mut.Unlock()
	return n, err
}

// Write 按令牌配额向下层写入
func (l *Layer) Write(st *event.Stack, p []byte) (int, error) {
	s := l.out

	s.mut.Lock()
	quota := s.allow(len(p))
	if quota == 0 {
		if s.mode == ModeDrop {
			// 丢弃模式下假装写入成功
			s.mut.Unlock()
			return len(p), nil
		}
		s.wallMs += int64(s.wait(1) / time.Millisecond)
		l.retrigger(s, s.wait(minInt(len(p), 1024)), event.Event{Type: event.TypeWrite})
		s.mut.Unlock()
		return 0, event.ErrWouldBlock
	}
	s.mut.Unlock()

	n, err := st.WriteBelow(p[:quota])

	s.mut.Lock()
	s.account(n)
	s.mut.Unlock()

	if err != nil {
		return n, err
	}
	if n < len(p) && s.mode == ModeTrickle {
		s.mut.Lock()
		l.retrigger(s, s.wait(minInt(len(p)-n, 1024)), event.Event{Type: event.TypeWrite})
		s.mut.Unlock()
	}
	return n, err
}

// ProcessEvent 入站整形 令牌不足时吞掉 READ 事件并延迟补发
func (l *Layer) ProcessEvent(st *event.Stack, ev event.Event) bool {
	if ev.Type != event.TypeRead {
		return false
	}

	s := l.in
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.limiter != nil && s.limiter.Tokens() < 1 {
		l.retrigger(s, s.wait(1024), event.Event{Type: event.TypeRead})
		return true
	}
	return false
}

func (l *Layer) Unregister(st *event.Stack) {}

func (l *Layer) Destroy(st *event.Stack) error {
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
