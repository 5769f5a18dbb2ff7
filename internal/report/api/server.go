package api

import (
	"context"
	"net/http"

	"reportd/internal/httpsrv"
	logx "reportd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Server runs the HTTP binding on its own listener.
type Server struct {
	srv *httpsrv.Service
}

func NewServer(cfg httpsrv.Config, s *Service, log logx.Logger) *Server {
	return &Server{srv: httpsrv.New("api", defaultAddr, cfg, log, func(cur httpsrv.Config) http.Handler {
		return Handler(s, cur.Token)
	})}
}

func (s *Server) Start(ctx context.Context)                           { s.srv.Start(ctx) }
func (s *Server) Stop(ctx context.Context)                            { s.srv.Stop(ctx) }
func (s *Server) Reconfigure(ctx context.Context, cfg httpsrv.Config) { s.srv.Reconfigure(ctx, cfg) }
func (s *Server) Addr() string                                        { return s.srv.Addr() }
