// Package profiling exposes the net/http/pprof endpoints on a listener
// of their own, kept off the miner-facing API port.
package profiling

import (
	"net/http"
	"net/http/pprof"

	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// Server hosts the pprof endpoints when profiling is enabled.
type Server struct {
	cfg    *config.ProfilingConfig
	server *http.Server
}

// NewServer prepares the profiling server. Nothing listens until Start.
func NewServer(cfg *config.ProfilingConfig) *Server {
	return &Server{cfg: cfg}
}

// Start brings the listener up on the configured bind address. With
// profiling disabled this is a no-op.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, profile := range []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"} {
		mux.Handle("/debug/pprof/"+profile, pprof.Handler(profile))
	}

	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: mux,
	}

	util.Infof("pprof listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("Profiling server error: %v", err)
		}
	}()

	return nil
}

// Stop closes the listener.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
