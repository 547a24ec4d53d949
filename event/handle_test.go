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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 测试用最小传输层
type fakeTransport struct {
	rx []byte
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Init(st *Stack) error {
	st.PostIO(Event{Type: TypeConnected})
	return nil
}

func (f *fakeTransport) Read(st *Stack, p []byte) (int, error) {
	if len(f.rx) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakeTransport) Write(st *Stack, p []byte) (int, error) {
	return len(p), nil
}

func (f *fakeTransport) ProcessEvent(st *Stack, ev Event) bool { return false }
func (f *fakeTransport) Unregister(st *Stack)                  {}
func (f *fakeTransport) Destroy(st *Stack) error               { return nil }

// recordLayer 记录收到的事件 可配置吞掉某类事件
type recordLayer struct {
	mut     sync.Mutex
	events  []Type
	swallow Type
	hasSwal bool
}

func (r *recordLayer) Name() string          { return "record" }
func (r *recordLayer) Init(st *Stack) error  { return nil }
func (r *recordLayer) Unregister(st *Stack)  {}
func (r *recordLayer) Destroy(st *Stack) error { return nil }

func (r *recordLayer) Read(st *Stack, p []byte) (int, error)  { return st.ReadBelow(p) }
func (r *recordLayer) Write(st *Stack, p []byte) (int, error) { return st.WriteBelow(p) }

func (r *recordLayer) ProcessEvent(st *Stack, ev Event) bool {
	r.mut.Lock()
	r.events = append(r.events, ev.Type)
	r.mut.Unlock()
	return r.hasSwal && ev.Type == r.swallow
}

func (r *recordLayer) seen() []Type {
	r.mut.Lock()
	defer r.mut.Unlock()
	out := make([]Type, len(r.events))
	copy(out, r.events)
	return out
}

func TestHandleLayerBubbling(t *testing.T) {
	l := New()
	runLoop(t, l)

	filter := &recordLayer{}
	h := NewHandle(&fakeTransport{})
	require.NoError(t, h.AddLayer(filter))

	var mut sync.Mutex
	var userEvents []Type
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {
		mut.Lock()
		userEvents = append(userEvents, ev.Type)
		mut.Unlock()
	}))

	time.Sleep(100 * time.Millisecond)

	// CONNECTED 自下而上经过过滤层后到达用户回调
	assert.Equal(t, []Type{TypeConnected}, filter.seen())
	mut.Lock()
	assert.Equal(t, []Type{TypeConnected}, userEvents)
	mut.Unlock()
}

func TestHandleLayerSwallow(t *testing.T) {
	l := New()
	runLoop(t, l)

	filter := &recordLayer{swallow: TypeRead, hasSwal: true}
	h := NewHandle(&fakeTransport{})
	require.NoError(t, h.AddLayer(filter))

	var mut sync.Mutex
	var userEvents []Type
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {
		mut.Lock()
		userEvents = append(userEvents, ev.Type)
		mut.Unlock()
	}))

	h.SoftEvent(-1, true, Event{Type: TypeRead})
	time.Sleep(100 * time.Millisecond)

	// READ 被过滤层吞掉 用户只看到 CONNECTED
	assert.Contains(t, filter.seen(), TypeRead)
	mut.Lock()
	assert.Equal(t, []Type{TypeConnected}, userEvents)
	mut.Unlock()
}

func TestHandleAddLayerAfterAttach(t *testing.T) {
	l := New()
	runLoop(t, l)

	h := NewHandle(&fakeTransport{})
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {}))
	assert.ErrorIs(t, h.AddLayer(&recordLayer{}), ErrAttached)
}

func TestHandleSoftEventFIFO(t *testing.T) {
	l := New()
	runLoop(t, l)

	h := NewHandle(&fakeTransport{})

	var mut sync.Mutex
	var got []Type
	connected := make(chan struct{})
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {
		mut.Lock()
		got = append(got, ev.Type)
		mut.Unlock()
		if ev.Type == TypeConnected {
			close(connected)
		}
	}))

	// 同一轮内软事件先于 I/O 事件派发 先等 CONNECTED 送达再投递软事件
	<-connected
	h.SoftEvent(-1, true, Event{Type: TypeRead})
	h.SoftEvent(-1, true, Event{Type: TypeWrite})
	h.SoftEvent(-1, true, Event{Type: TypeRead})

	time.Sleep(100 * time.Millisecond)

	mut.Lock()
	defer mut.Unlock()
	assert.Equal(t, []Type{TypeConnected, TypeRead, TypeWrite, TypeRead}, got)
}

func TestHandleTags(t *testing.T) {
	h := NewHandle(&fakeTransport{})
	h.SetTag("proto", "echo")

	v, ok := h.Tag("proto")
	assert.True(t, ok)
	assert.Equal(t, "echo", v)

	_, ok = h.Tag("missing")
	assert.False(t, ok)
}

func TestNetConnEcho(t *testing.T) {
	l := New()
	runLoop(t, l)

	local, remote := net.Pipe()
	h := NewHandle(NewNetConn(remote))

	received := make(chan []byte, 8)
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {
		if ev.Type != TypeRead {
			return
		}
		buf := make([]byte, 1024)
		for {
			n, err := h.Read(buf)
			if err != nil || n == 0 {
				return
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			received <- out
		}
	}))

	go func() {
		_, _ = local.Write([]byte("ping"))
	}()

	select {
	case got := <-received:
		assert.Equal(t, "ping", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no data received through the layer stack")
	}

	require.NoError(t, h.Destroy())
	_ = local.Close()
}

func TestNetConnDisconnected(t *testing.T) {
	l := New()
	runLoop(t, l)

	local, remote := net.Pipe()
	h := NewHandle(NewNetConn(remote))

	events := make(chan Type, 8)
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {
		events <- ev.Type
	}))

	assert.Equal(t, TypeConnected, <-events)

	_ = local.Close()

	select {
	case ev := <-events:
		assert.Equal(t, TypeDisconnected, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}

	require.NoError(t, h.Destroy())
}

func TestPoolLoopSmoke(t *testing.T) {
	l := NewPool(4)
	runLoop(t, l)

	h := NewHandle(&fakeTransport{})

	var mut sync.Mutex
	var got []Type
	done := make(chan struct{})
	connected := make(chan struct{})
	require.NoError(t, h.Attach(l, func(h *Handle, ev Event) {
		mut.Lock()
		got = append(got, ev.Type)
		n := len(got)
		mut.Unlock()
		if ev.Type == TypeConnected {
			close(connected)
		}
		if n == 4 {
			close(done)
		}
	}))

	// 同一轮内软事件先于 I/O 事件派发 先等 CONNECTED 送达再投递软事件
	<-connected
	h.SoftEvent(-1, true, Event{Type: TypeRead})
	h.SoftEvent(-1, true, Event{Type: TypeWrite})
	h.SoftEvent(-1, true, Event{Type: TypeRead})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool loop did not deliver all events")
	}

	// 同一 Handle 的事件在 Pool 模式下依旧保持 FIFO
	mut.Lock()
	defer mut.Unlock()
	assert.Equal(t, []Type{TypeConnected, TypeRead, TypeWrite, TypeRead}, got)
}
