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
	"gopkg.in/natefinch/lumberjack.v2"
)

// 文件 sink 支持的命令位
const (
	// CmdRotate 轮转当前日志文件
	CmdRotate uint64 = 1 << iota
)

// FileSink lumberjack 支撑的文件 sink 支持按命令轮转
type FileSink struct {
	lg *lumberjack.Logger
}

// FileSinkOptions 文件 sink 配置
type FileSinkOptions struct {
	Filename   string `config:"filename"`
	MaxSize    int    `config:"maxSize"` // unit: MB
	MaxAge     int    `config:"maxAge"`  // unit: days
	MaxBackups int    `config:"maxBackups"`
}

// NewFileSink 创建并返回 *FileSink 实例
func NewFileSink(opt FileSinkOptions) *FileSink {
	return &FileSink{
		lg: &lumberjack.Logger{
			Filename:   opt.Filename,
			MaxSize:    opt.MaxSize,
			MaxAge:     opt.MaxAge,
			MaxBackups: opt.MaxBackups,
			LocalTime:  true,
		},
	}
}

// WriteFunc 返回挂载到 Writer 上的写回调
func (s *FileSink) WriteFunc() WriteFunc {
	return func(msg string, cmd uint64, _ any) bool {
		if cmd&CmdRotate != 0 {
			if err := s.lg.Rotate(); err != nil {
				return false
			}
		}
		if len(msg) == 0 {
			return true
		}
		_, err := s.lg.Write([]byte(msg))
		return err == nil
	}
}

// Close 关闭底层文件
func (s *FileSink) Close() error {
	return s.lg.Close()
}

// NewFileWriter 组装文件 sink 与异步写引擎
func NewFileWriter(maxBytes int, opt FileSinkOptions, mode LineEnd) (*Writer, error) {
	sink := NewFileSink(opt)
	return New(maxBytes, sink.WriteFunc(), sink, nil, func(thunk any) {
		if fs, ok := thunk.(*FileSink); ok {
			_ = fs.Close()
		}
	}, mode)
}
