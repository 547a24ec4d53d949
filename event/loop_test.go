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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	go func() {
		_ = l.Run()
	}()
	t.Cleanup(func() {
		l.Return()
		l.Wait()
	})
}

func TestTimerOrdering(t *testing.T) {
	l := New()
	runLoop(t, l)

	var mut sync.Mutex
	var order []string

	record := func(name string) TimerFunc {
		return func() {
			mut.Lock()
			order = append(order, name)
			mut.Unlock()
		}
	}

	tb := l.AddTimer(record("b"))
	tb.SetFireCount(1)
	ta := l.AddTimer(record("a"))
	ta.SetFireCount(1)

	require.NoError(t, tb.Start(60*time.Millisecond))
	require.NoError(t, ta.Start(20*time.Millisecond))

	time.Sleep(200 * time.Millisecond)

	mut.Lock()
	defer mut.Unlock()
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestTimerRepeatFireCount(t *testing.T) {
	l := New()
	runLoop(t, l)

	var count atomic.Int64
	tm := l.AddTimer(func() {
		count.Add(1)
	})
	tm.SetFireCount(3)
	require.NoError(t, tm.Start(10*time.Millisecond))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(3), count.Load())
}

// TestTimerStackingStart 回调执行期间的多次 Start 合并为一次额外触发
func TestTimerStackingStart(t *testing.T) {
	l := New()
	runLoop(t, l)

	var count atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})

	var tm *Timer
	tm = l.AddTimer(func() {
		if count.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	tm.SetFireCount(1)
	require.NoError(t, tm.Start(0))

	<-entered
	// 回调执行期间连续 Start 多次
	for i := 0; i < 10; i++ {
		require.NoError(t, tm.Start(0))
	}
	close(release)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(2), count.Load())
}

// TestTimerCrossThreadStart 另一线程高频 Start 回调内自删除 整体只触发一次
func TestTimerCrossThreadStart(t *testing.T) {
	l := New()
	runLoop(t, l)

	var count atomic.Int64
	var tm *Timer
	tm = l.AddTimer(func() {
		count.Add(1)
		// 模拟长回调 确保对端所有 Start 都发生在执行期间
		time.Sleep(500 * time.Millisecond)
		tm.Remove()
	})
	tm.SetFireCount(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			_ = tm.Start(0)
			time.Sleep(15 * time.Millisecond)
		}
	}()

	<-done
	time.Sleep(800 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestTimerStop(t *testing.T) {
	l := New()
	runLoop(t, l)

	var count atomic.Int64
	tm := l.AddTimer(func() {
		count.Add(1)
	})
	require.NoError(t, tm.Start(50*time.Millisecond))
	tm.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())

	// Stop 之后可以重新 Start
	require.NoError(t, tm.Start(10*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(t, count.Load(), int64(1))
}

func TestTimerRemoveBlocksOnFiring(t *testing.T) {
	l := New()
	runLoop(t, l)

	entered := make(chan struct{})
	var finished atomic.Bool

	tm := l.AddTimer(func() {
		close(entered)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
	})
	tm.SetFireCount(1)
	require.NoError(t, tm.Start(0))

	<-entered
	// 回调仍在执行 Remove 必须等待其完成
	tm.Remove()
	assert.True(t, finished.Load())
}

func TestOneshot(t *testing.T) {
	l := New()
	runLoop(t, l)

	var count atomic.Int64
	Oneshot(l, 10*time.Millisecond, true, func() {
		count.Add(1)
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestLoopDoneIdempotent(t *testing.T) {
	l := New()

	done := make(chan struct{})
	go func() {
		_ = l.Run()
		close(done)
	}()

	l.Done()
	l.Done()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Done")
	}
}

func TestLoopReturn(t *testing.T) {
	l := New()

	done := make(chan struct{})
	go func() {
		_ = l.Run()
		close(done)
	}()

	l.Return()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Return")
	}
}
