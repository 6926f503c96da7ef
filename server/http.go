package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// HTTPServer exposes a /stats probe and pprof profiling alongside the
// region gRPC surface, mirroring httpserver.go's pairing of a debug HTTP
// listener with the main RPC server.
type HTTPServer struct {
	httpServer *http.Server
	*Server
}

func NewHTTPServer(s *Server) *HTTPServer {
	return &HTTPServer{Server: s}
}

func (h *HTTPServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HTTPServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HTTPServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.stats, rpc.OptArgsQuery())
	return rpc.DefaultRouter
}

func (h *HTTPServer) stats(c *rpc.Context) {
	c.RespondStatus(http.StatusOK)
}
