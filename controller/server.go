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

package controller

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventio/eventio/asyncwriter"
	"github.com/eventio/eventio/bwshape"
	"github.com/eventio/eventio/common"
	"github.com/eventio/eventio/internal/sigs"
	"github.com/eventio/eventio/logger"
)

func (c *Controller) setupServer() {
	if c.svr == nil {
		return
	}

	// Admin Routes
	c.svr.RegisterPostRoute("/-/logger", c.routeLogger)
	c.svr.RegisterPostRoute("/-/reload", c.routeReload)
	c.svr.RegisterPostRoute("/-/rotate", c.routeRotate)

	// Metrics Routes
	c.svr.RegisterGetRoute("/metrics", c.routeMetrics)
	c.svr.RegisterGetRoute("/stats", c.routeStats)
}

func (c *Controller) routeMetrics(w http.ResponseWriter, r *http.Request) {
	uptime.Set(float64(time.Now().Unix() - common.Started()))
	promhttp.Handler().ServeHTTP(w, r)
}

func (c *Controller) routeLogger(w http.ResponseWriter, r *http.Request) {
	level := r.FormValue("level")
	logger.SetLoggerLevel(level)
	w.Write([]byte(`{"status": "success"}`))
}

func (c *Controller) routeReload(w http.ResponseWriter, r *http.Request) {
	if err := sigs.SelfReload(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
	}
}

// routeRotate 通过阻塞命令轮转日志文件 返回时轮转已经完成
func (c *Controller) routeRotate(w http.ResponseWriter, r *http.Request) {
	if c.writer == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !c.writer.SetCommandBlock(asyncwriter.CmdRotate) {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.Write([]byte(`{"status": "success"}`))
}

type shaperStats struct {
	In  bwshape.Stats `json:"in"`
	Out bwshape.Stats `json:"out"`
}

type statsResponse struct {
	Handles int                    `json:"handles"`
	Writer  *writerStats           `json:"writer,omitempty"`
	Shapers map[uint64]shaperStats `json:"shapers,omitempty"`
}

type writerStats struct {
	Running     bool   `json:"running"`
	NumDropped  uint64 `json:"numDropped"`
	StoredBytes int    `json:"storedBytes"`
}

func (c *Controller) routeStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Handles: c.loop.NumHandles(),
		Shapers: make(map[uint64]shaperStats),
	}
	if c.writer != nil {
		resp.Writer = &writerStats{
			Running:     c.writer.IsRunning(),
			NumDropped:  c.writer.NumDropped(),
			StoredBytes: c.writer.StoredBytes(),
		}
	}

	c.mut.Lock()
	for key, shaper := range c.shapers {
		resp.Shapers[key] = shaperStats{
			In:  shaper.Stats(bwshape.In),
			Out: shaper.Stats(bwshape.Out),
		}
	}
	c.mut.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
