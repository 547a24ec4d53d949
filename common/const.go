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

package common

const (
	// App 应用程序名称
	App = "eventio"

	// Version 应用程序版本
	Version = "v0.0.1"

	// ReadWriteBlockSize 默认的读写块长度
	//
	// Transport 每次向上层投递的数据块大小上限
	// 取一个`折中的` buffersize 避免为每条链接预留过大的内存空间
	ReadWriteBlockSize = 4096
)
