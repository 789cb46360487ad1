package web

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Server struct {
	Hub *Hub
	log *zap.SugaredLogger
}

func NewServer(logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{Hub: NewHub(logger.Named("hub")), log: logger}
}

// Handler serves the websocket stream at /ws, the latest state at /state and,
// when distDir is set, a static frontend at /.
func (s *Server) Handler(distDir string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.Hub.serveWs)
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		data := s.Hub.Latest()
		if data == nil {
			http.Error(w, "no state yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	if distDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(distDir)))
	}
	return mux
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string, distDir string) error {
	go s.Hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(distDir), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Infow("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}
