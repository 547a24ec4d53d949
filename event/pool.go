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

	"github.com/eventio/eventio/internal/rescue"
)

// pool 事件派发 worker 池
//
// 并行发生在不同 Handle 之间 同一 Handle 的事件依旧严格 FIFO 串行
// 实现方式为 Handle 粒度的调度: Handle 入队一次 由单个 worker 独占排空其事件
type pool struct {
	queue chan *Handle
	wg    sync.WaitGroup
	once  sync.Once
}

func newPool(n int) *pool {
	p := &pool{
		queue: make(chan *Handle, 128),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()

	for h := range p.queue {
		p.drain(h)
	}
}

// drain 独占排空一个 Handle 的待派发事件
func (p *pool) drain(h *Handle) {
	defer rescue.HandleCrash()

	h.dispatchMut.Lock()
	defer h.dispatchMut.Unlock()

	for {
		h.pendMut.Lock()
		if len(h.pendQ) == 0 {
			h.pendActive = false
			h.pendMut.Unlock()
			return
		}
		se := h.pendQ[0]
		h.pendQ = h.pendQ[1:]
		h.pendMut.Unlock()

		se.h.deliver(se.origin, se.ev)
	}
}

// submit 提交 Handle 的一个事件 如该 Handle 未在调度中则入队
func (p *pool) submit(h *Handle, se softEvent) {
	h.pendMut.Lock()
	h.pendQ = append(h.pendQ, se)
	active := h.pendActive
	h.pendActive = true
	h.pendMut.Unlock()

	if !active {
		p.queue <- h
	}
}

func (p *pool) shutdown() {
	p.once.Do(func() {
		close(p.queue)
	})
	p.wg.Wait()
}
