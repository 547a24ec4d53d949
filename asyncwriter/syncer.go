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

package asyncwriter

import (
	"go.uber.org/zap/zapcore"
)

// syncer 把 Writer 适配成 zapcore.WriteSyncer
//
// 日志行进入有界队列后立即返回 刷盘由 worker 负责
type syncer struct {
	w *Writer
}

// Syncer 返回挂接到 zap 上的 WriteSyncer
func Syncer(w *Writer) zapcore.WriteSyncer {
	return syncer{w: w}
}

func (s syncer) Write(p []byte) (int, error) {
	// 返回值恒为全量 丢弃策略由队列负责 不向 zap 暴露背压
	s.w.Write(string(p))
	return len(p), nil
}

func (s syncer) Sync() error {
	return nil
}
