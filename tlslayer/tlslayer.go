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

// Package tlslayer 提供基于 crypto/tls 的 TLS 过滤层
//
// 该层要求直接位于 event.NetConnLayer 之上 且传输层以 deferred 模式创建
// 收到下层 CONNECTED 后在裸链接上驱动握手 期间吞掉读写等用户事件 ERROR 与 DISCONNECTED 照常冒泡
// 握手成功后以 TLS 链接替换数据面并冒泡自己的 CONNECTED
package tlslayer

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/eventio/eventio/event"
	"github.com/eventio/eventio/internal/rescue"
)

func newError(format string, args ...any) error {
	format = "tlslayer: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrPinMismatch 对端证书与固定指纹不匹配
	ErrPinMismatch = newError("pinned certificate mismatch")

	// ErrNotEstablished 握手尚未完成 无法提供链接信息
	ErrNotEstablished = newError("handshake not established")
)

// ClientConfig TLS 客户端上下文
type ClientConfig struct {
	// RootCAs 信任锚 nil 时使用系统默认
	RootCAs *x509.CertPool

	// ServerName SNI 与证书校验所用的主机名
	ServerName string

	// ALPN 按优先级排列的应用协议列表
	ALPN []string

	// PinnedCerts 证书 SHA-256 指纹列表 非空时对端证书必须命中其一
	PinnedCerts []string

	// MinVersion 协议下限 0 表示跟随 crypto/tls 默认
	MinVersion uint16

	// SessionCache 会话恢复缓存 nil 时禁用复用
	SessionCache tls.ClientSessionCache

	// InsecureSkipVerify 跳过证书校验 仅供测试
	InsecureSkipVerify bool

	// Certificates 客户端证书 双向认证时使用
	Certificates []tls.Certificate
}

func (c ClientConfig) tlsConfig() *tls.Config {
	cfg := &tls.Config{
		RootCAs:            c.RootCAs,
		ServerName:         c.ServerName,
		NextProtos:         c.ALPN,
		MinVersion:         c.MinVersion,
		ClientSessionCache: c.SessionCache,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Certificates:       c.Certificates,
	}
	if len(c.PinnedCerts) > 0 {
		pins := make(map[string]struct{}, len(c.PinnedCerts))
		for _, p := range c.PinnedCerts {
			pins[p] = struct{}{}
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if _, ok := pins[hex.EncodeToString(sum[:])]; ok {
					return nil
				}
			}
			return ErrPinMismatch
		}
	}
	return cfg
}

// ServerConfig TLS 服务端上下文
//
// SNI 按主机名路由至子上下文 未命中或对端未携带 SNI 时回落到默认上下文
type ServerConfig struct {
	// Default 默认上下文
	Default *tls.Config

	// Children 主机名到子上下文的路由表
	Children map[string]*tls.Config
}

func (c ServerConfig) tlsConfig() *tls.Config {
	cfg := c.Default.Clone()
	if len(c.Children) > 0 {
		cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if child, ok := c.Children[hello.ServerName]; ok {
				return child, nil
			}
			return nil, nil // 回落默认上下文
		}
	}
	return cfg
}

// Layer TLS 过滤层 每条链接一个实例
type Layer struct {
	client bool
	ccfg   *tls.Config

	h   *event.Handle
	idx int

	established atomic.Bool
	failed      atomic.Bool

	mut      sync.Mutex
	tconn    *tls.Conn
	errStr   string
	duration time.Duration
}

// NewClient 创建客户端 TLS 层
func NewClient(cfg ClientConfig) *Layer {
	return &Layer{
		client: true,
		ccfg:   cfg.tlsConfig(),
	}
}

// NewServer 创建服务端 TLS 层 挂载在每条已接受的链接上
func NewServer(cfg ServerConfig) *Layer {
	return &Layer{
		ccfg: cfg.tlsConfig(),
	}
}

func (l *Layer) Name() string {
	return "tls"
}

func (l *Layer) Init(st *event.Stack) error {
	if st.Index() != 1 {
		return newError("layer must sit directly above the transport")
	}
	if _, ok := below(st.Handle()); !ok {
		return newError("transport is not a NetConnLayer")
	}
	l.h = st.Handle()
	l.idx = st.Index()
	return nil
}

func below(h *event.Handle) (*event.NetConnLayer, bool) {
	nc, ok := h.Transport().(*event.NetConnLayer)
	return nc, ok
}

// handshake 在独立 goroutine 中于裸链接上驱动握手
func (l *Layer) handshake(nc *event.NetConnLayer) {
	defer rescue.HandleCrash()

	raw := nc.Conn()

	var tconn *tls.Conn
	if l.client {
		tconn = tls.Client(raw, l.ccfg)
	} else {
		tconn = tls.Server(raw, l.ccfg)
	}

	t0 := time.Now()
	err := tconn.Handshake()
	elapsed := time.Since(t0)

	if err != nil {
		l.failed.Store(true)
		l.mut.Lock()
		l.errStr = err.Error()
		l.mut.Unlock()
		l.h.SoftEvent(l.idx, true, event.Event{Type: event.TypeError, Err: err})
		return
	}

	l.mut.Lock()
	l.tconn = tconn
	l.duration = elapsed
	l.mut.Unlock()
	l.established.Store(true)

	// 数据面切换至 TLS 链接 此后的读写经由 tconn 加解密
	nc.SwapConn(tconn)
	nc.StartIO(l.h)
	l.h.SoftEvent(l.idx, true, event.Event{Type: event.TypeConnected})
}

// ProcessEvent 收到下层 CONNECTED 后发起握手 握手期间吞掉用户事件
func (l *Layer) ProcessEvent(st *event.Stack, ev event.Event) bool {
	if l.established.Load() || l.failed.Load() {
		return false
	}

	switch ev.Type {
	case event.TypeConnected:
		nc, ok := below(st.Handle())
		if !ok {
			return false
		}
		go l.handshake(nc)
		return true

	case event.TypeError, event.TypeDisconnected:
		return false
	}

	// 握手未完成前屏蔽读写事件
	return true
}

func (l *Layer) Read(st *event.Stack, p []byte) (int, error) {
	if !l.established.Load() {
		return 0, event.ErrWouldBlock
	}
	return st.ReadBelow(p)
}

func (l *Layer) Write(st *event.Stack, p []byte) (int, error) {
	if !l.established.Load() {
		return 0, event.ErrWouldBlock
	}
	return st.WriteBelow(p)
}

func (l *Layer) Unregister(st *event.Stack) {}

func (l *Layer) Destroy(st *event.Stack) error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.tconn != nil {
		return l.tconn.Close()
	}
	return nil
}

// state 返回握手后的链接状态
func (l *Layer) state() (tls.ConnectionState, error) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.tconn == nil {
		return tls.ConnectionState{}, ErrNotEstablished
	}
	return l.tconn.ConnectionState(), nil
}

// Established 返回握手是否已经完成
func (l *Layer) Established() bool {
	return l.established.Load()
}

// Protocol 返回协商出的 TLS 协议版本名称
func (l *Layer) Protocol() (string, error) {
	cs, err := l.state()
	if err != nil {
		return "", err
	}
	return tls.VersionName(cs.Version), nil
}

// Cipher 返回协商出的加密套件名称
func (l *Layer) Cipher() (string, error) {
	cs, err := l.state()
	if err != nil {
		return "", err
	}
	return tls.CipherSuiteName(cs.CipherSuite), nil
}

// ALPN 返回协商出的应用层协议
func (l *Layer) ALPN() (string, error) {
	cs, err := l.state()
	if err != nil {
		return "", err
	}
	return cs.NegotiatedProtocol, nil
}

// SessionReused 返回本次握手是否复用了会话
func (l *Layer) SessionReused() (bool, error) {
	cs, err := l.state()
	if err != nil {
		return false, err
	}
	return cs.DidResume, nil
}

// PeerCert 返回对端叶子证书
func (l *Layer) PeerCert() (*x509.Certificate, error) {
	cs, err := l.state()
	if err != nil {
		return nil, err
	}
	if len(cs.PeerCertificates) == 0 {
		return nil, newError("no peer certificate")
	}
	return cs.PeerCertificates[0], nil
}

// PeerCertPEM 返回对端叶子证书的 PEM 编码
func (l *Layer) PeerCertPEM() ([]byte, error) {
	cert, err := l.PeerCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), nil
}

// HandshakeDuration 返回握手耗时
func (l *Layer) HandshakeDuration() time.Duration {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.duration
}

// ErrorString 返回握手失败的描述信息
func (l *Layer) ErrorString() string {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.errStr
}
