// Copyright 2024 The OutbackCDX Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package server exposes the collections over HTTP: the WB-CDX query
// surface, CDX ingest, access control CRUD, and the replication change
// feed. One goroutine per request; all streaming responses advance their
// store iterator only as bytes flush to the client.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/makyo/outbackcdx/errors"
	"github.com/makyo/outbackcdx/index"
	"github.com/makyo/outbackcdx/metrics"
	"github.com/makyo/outbackcdx/util/limiter"
)

const defaultShutdownTimeoutS = 10

// Config is the full server configuration. The feature flags are fixed
// at startup and threaded through; nothing here mutates at runtime.
type Config struct {
	StoreConfig index.DataStoreConfig `json:"store_config"`

	// ExperimentalAccessControl exposes the access rule surface and the
	// per-access-point query endpoints.
	ExperimentalAccessControl bool `json:"experimental_access_control"`

	// Secondary, when set to a primary's base URL, puts this node in
	// follower mode: it polls the primary's change feed and rejects
	// writes unless AcceptWrites is also set.
	Secondary    string `json:"secondary"`
	AcceptWrites bool   `json:"accept_writes"`

	// ReplicationIntervalS is the follower poll interval, default 10s.
	ReplicationIntervalS int `json:"replication_interval_s"`

	// IngestMBPS caps the aggregate ingest body read rate, 0 = unlimited.
	IngestMBPS int `json:"ingest_mbps"`

	// VerboseRequests logs every request at info level.
	VerboseRequests bool `json:"verbose_requests"`
}

type Server struct {
	cfg Config
	ds  *index.DataStore

	engine      *gin.Engine
	httpServer  *http.Server
	follower    *follower
	ingestLimit limiter.Limiter
}

func NewServer(cfg *Config) (*Server, error) {
	ds, err := index.NewDataStore(cfg.StoreConfig)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: *cfg, ds: ds}
	if cfg.IngestMBPS > 0 {
		s.ingestLimit = limiter.NewLimiter(limiter.LimitConfig{ReadMBPS: cfg.IngestMBPS})
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestMiddleware(), corsMiddleware())
	s.registerRoutes()

	if cfg.Secondary != "" {
		interval := time.Duration(cfg.ReplicationIntervalS) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		s.follower = newFollower(ds, cfg.Secondary, interval)
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/", s.handleHome)
	r.GET("/api/collections", s.handleListCollections)
	r.GET("/api/featureflags", s.handleFeatureFlags)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	col := r.Group("/:collection")
	col.GET("", s.handleQuery)
	col.POST("", s.requireWrite, s.handleIngest)
	col.POST("/delete", s.requireWrite, s.handleDelete)
	col.GET("/stats", s.handleStats)
	col.GET("/captures", s.handleDumpCaptures)
	col.GET("/aliases", s.handleDumpAliases)
	col.GET("/sequence", s.handleSequence)
	col.GET("/changes", s.handleChanges)
	col.POST("/truncate_replication", s.requireWrite, s.handleTruncateReplication)

	if s.cfg.ExperimentalAccessControl {
		col.GET("/access/rules", s.handleListRules)
		col.POST("/access/rules", s.requireWrite, s.handlePostRule)
		col.GET("/access/rules/:id", s.handleGetRule)
		col.DELETE("/access/rules/:id", s.requireWrite, s.handleDeleteRule)
		col.GET("/access/policies", s.handleListPolicies)
		col.POST("/access/policies", s.requireWrite, s.handlePostPolicy)
		col.GET("/access/policies/:id", s.handleGetPolicy)
		col.DELETE("/access/policies/:id", s.requireWrite, s.handleDeletePolicy)
		col.GET("/ap/:accesspoint", s.handleQuery)
		col.GET("/ap/:accesspoint/check", s.handleCheckAccess)
		col.POST("/ap/:accesspoint/check", s.handleCheckAccessBulk)
	}
}

// Serve starts listening and returns immediately.
func (s *Server) Serve(addr string) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	if s.follower != nil {
		s.follower.start()
	}
	log.Info("http server is running at:", addr)
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	if s.follower != nil {
		s.follower.stop()
	}
	s.httpServer.Shutdown(ctx)
	s.ds.Close()
}

// requireWrite rejects mutations on a secondary that has not been told
// to accept them.
func (s *Server) requireWrite(c *gin.Context) {
	if s.cfg.Secondary != "" && !s.cfg.AcceptWrites {
		c.String(http.StatusUnauthorized, "%s", apierrors.ErrSecondaryReadOnly.Error())
		c.Abort()
	}
}

// requestMiddleware tags each request with a trace span and records the
// request counter.
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := trace.StartSpanFromContextWithTraceID(
			c.Request.Context(), "request", uuid.New().String())
		defer span.Finish()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		metrics.HTTPRequests.WithLabelValues(
			c.Request.Method, c.FullPath(), http.StatusText(c.Writer.Status())).Inc()
		if s.cfg.VerboseRequests {
			span.Infof("%s %s -> %d (%s)",
				c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

// getIndex resolves the collection named in the route, mapping lookup
// failures onto the API error responses.
func (s *Server) getIndex(c *gin.Context, create bool) *index.Index {
	ctx := c.Request.Context()
	name := c.Param("collection")
	var idx *index.Index
	var err error
	if create {
		idx, err = s.ds.GetOrCreateIndex(ctx, name)
	} else {
		idx, err = s.ds.GetIndex(ctx, name)
	}
	switch err {
	case nil:
		return idx
	case apierrors.ErrCollectionDoesNotExist, apierrors.ErrInvalidCollectionName:
		c.String(http.StatusNotFound, "%s", apierrors.ErrCollectionDoesNotExist.Error())
	default:
		c.String(http.StatusInternalServerError, "%s", err.Error())
	}
	return nil
}
