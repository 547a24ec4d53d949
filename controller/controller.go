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

// Package controller 负责把配置装配成可运行的进程
//
// 事件循环 监听器 过滤层 日志写引擎与运维端口都在这里接线
package controller

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eventio/eventio/asyncwriter"
	"github.com/eventio/eventio/bwshape"
	"github.com/eventio/eventio/common"
	"github.com/eventio/eventio/confengine"
	"github.com/eventio/eventio/event"
	"github.com/eventio/eventio/internal/labels"
	"github.com/eventio/eventio/internal/rescue"
	"github.com/eventio/eventio/internal/wait"
	"github.com/eventio/eventio/logger"
	"github.com/eventio/eventio/server"
	"github.com/eventio/eventio/tlslayer"
)

var (
	acceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "accepted_connections_total",
		Help:      "accepted connections total",
	})

	handleGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.App,
		Name:      "active_handles",
		Help:      "handles currently attached to the event loop",
	})

	uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.App,
		Name:      "uptime",
		Help:      "program uptime",
	})
)

// Config controller 自身的配置
type Config struct {
	// Workers 事件循环并行度 1 为单线程模式 未配置时跟随机器核数
	Workers int `config:"workers"`

	// Listener 演示用监听器 回显所有入站数据
	Listener struct {
		Enabled bool   `config:"enabled"`
		Address string `config:"address"`

		TLS struct {
			Enabled  bool   `config:"enabled"`
			CertFile string `config:"certFile"`
			KeyFile  string `config:"keyFile"`
		} `config:"tls"`

		BwShape struct {
			Enabled    bool          `config:"enabled"`
			InPeakBps  int           `config:"inPeakBps"`
			OutPeakBps int           `config:"outPeakBps"`
			Latency    time.Duration `config:"latency"`
		} `config:"bwshape"`
	} `config:"listener"`
}

// WriterOptions 日志写引擎配置
type WriterOptions struct {
	Enabled  bool   `config:"enabled"`
	MaxBytes int    `config:"maxBytes"`
	Filename string `config:"filename"`
	MaxSize  int    `config:"maxSize"`
	LineEnd  string `config:"lineEnd"`
}

type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       Config
	buildInfo common.BuildInfo

	loop   *event.Loop
	svr    *server.Server
	writer *asyncwriter.Writer

	mut     sync.Mutex
	ln      net.Listener
	tlsCfg  *tls.Config
	shapers map[uint64]*bwshape.Layer
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	if opts.Filename == "" {
		opts.Filename = "eventio.log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	logger.SetOptions(opts)
	return nil
}

// setupWriter 组装异步日志写引擎 日志行经由有界队列落盘
func setupWriter(conf *confengine.Config) (*asyncwriter.Writer, error) {
	if !conf.Enabled("writer") {
		return nil, nil
	}

	var opts WriterOptions
	if err := conf.UnpackChild("writer", &opts); err != nil {
		return nil, err
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 4 << 20
	}

	mode := asyncwriter.LineEndNative
	switch opts.LineEnd {
	case "unix":
		mode = asyncwriter.LineEndUnix
	case "windows":
		mode = asyncwriter.LineEndWindows
	}

	w, err := asyncwriter.NewFileWriter(opts.MaxBytes, asyncwriter.FileSinkOptions{
		Filename: opts.Filename,
		MaxSize:  opts.MaxSize,
	}, mode)
	if err != nil {
		return nil, err
	}

	w.Start()
	logger.SetSyncer(asyncwriter.Syncer(w))
	return w, nil
}

func New(conf *confengine.Config, buildInfo common.BuildInfo) (*Controller, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	w, err := setupWriter(conf)
	if err != nil {
		return nil, err
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("controller", &cfg); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = common.Concurrency()
	}

	var loop *event.Loop
	if cfg.Workers > 1 {
		loop = event.NewPool(cfg.Workers)
	} else {
		loop = event.New()
	}

	var tlsCfg *tls.Config
	if cfg.Listener.TLS.Enabled {
		cert, cerr := tls.LoadX509KeyPair(cfg.Listener.TLS.CertFile, cfg.Listener.TLS.KeyFile)
		if cerr != nil {
			return nil, cerr
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		buildInfo: buildInfo,
		loop:      loop,
		svr:       svr,
		writer:    w,
		tlsCfg:    tlsCfg,
		shapers:   make(map[uint64]*bwshape.Layer),
	}, nil
}

func (c *Controller) Start() error {
	c.setupServer()

	go func() {
		defer rescue.HandleCrash()
		if err := c.loop.Run(); err != nil {
			logger.Errorf("event loop exited: %v", err)
		}
	}()

	if c.svr != nil {
		go func() {
			defer rescue.HandleCrash()
			err := c.svr.ListenAndServe()
			if !errors.Is(err, io.EOF) {
				logger.Errorf("failed to start server: %v", err)
			}
		}()
	}

	if c.cfg.Listener.Enabled {
		ln, err := net.Listen("tcp", c.cfg.Listener.Address)
		if err != nil {
			return err
		}
		c.ln = ln
		logger.Infof("listener accepting on %s", c.cfg.Listener.Address)

		go wait.Until(c.ctx, func() {
			c.acceptOne(ln)
		})
	}
	return nil
}

// acceptOne 接受一条链接并组装 Handle 栈注册至事件循环
func (c *Controller) acceptOne(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-c.ctx.Done():
		default:
			logger.Warnf("accept failed: %v", err)
			time.Sleep(time.Second)
		}
		return
	}
	acceptedTotal.Inc()

	if err := c.setupConn(conn); err != nil {
		logger.Errorf("failed to setup connection: %v", err)
		_ = conn.Close()
	}
}

// setupConn 组装传输层 可选 TLS 与带宽整形 并挂上回显回调
func (c *Controller) setupConn(conn net.Conn) error {
	var transport *event.NetConnLayer
	var h *event.Handle

	if c.tlsCfg != nil {
		transport = event.NewNetConnDeferred(conn)
		h = event.NewHandle(transport)
		if err := h.AddLayer(tlslayer.NewServer(tlslayer.ServerConfig{Default: c.tlsCfg})); err != nil {
			return err
		}
	} else {
		transport = event.NewNetConn(conn)
		h = event.NewHandle(transport)
	}

	var shaper *bwshape.Layer
	if c.cfg.Listener.BwShape.Enabled {
		shaper = bwshape.New(
			bwshape.Config{PeakBps: c.cfg.Listener.BwShape.InPeakBps, Latency: c.cfg.Listener.BwShape.Latency},
			bwshape.Config{PeakBps: c.cfg.Listener.BwShape.OutPeakBps},
		)
		if err := h.AddLayer(shaper); err != nil {
			return err
		}

		key := labels.Labels{
			{Name: "handle", Value: h.ID()},
			{Name: "addr", Value: conn.RemoteAddr().String()},
		}.Hash()
		c.mut.Lock()
		c.shapers[key] = shaper
		c.mut.Unlock()
	}

	handleGauge.Inc()
	return h.Attach(c.loop, func(h *event.Handle, ev event.Event) {
		switch ev.Type {
		case event.TypeRead:
			c.echo(h)

		case event.TypeDisconnected, event.TypeError:
			if ev.Err != nil {
				logger.Debugf("handle %s closed: %v", h.ID(), ev.Err)
			}
			handleGauge.Dec()
			_ = h.Destroy()
		}
	})
}

// echo 把读到的数据原样写回
func (c *Controller) echo(h *event.Handle) {
	buf := make([]byte, common.ReadWriteBlockSize)
	for {
		n, err := h.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := h.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (c *Controller) Stop() {
	c.cancel()

	if c.ln != nil {
		_ = c.ln.Close()
	}
	if c.svr != nil {
		_ = c.svr.Close()
	}

	c.loop.Done()
	c.loop.Wait()

	if c.writer != nil {
		c.writer.DestroyBlocking(true, 5*time.Second)
	}
}

// Reload 重新加载配置 目前仅日志配置支持热更新
func (c *Controller) Reload(conf *confengine.Config) error {
	return setupLogger(conf)
}
