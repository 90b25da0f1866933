// Package viewer serves the local control API of the daemon.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	SelfID   string
	Bus      routes.Connectivity
	Calls    routes.Calls
	History  routes.History
	Chat     routes.Chat
	Match    routes.Matcher
	Presence routes.Presence
	Logs     *LogBuffer

	// Debug logs every request.
	Debug bool
}

// Handler builds the router.
func Handler(v Viewer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if v.Debug {
		r.Use(requestLog)
	}
	r.Use(noCache)

	deps := routes.Deps{
		SelfID:   v.SelfID,
		Bus:      v.Bus,
		Calls:    v.Calls,
		History:  v.History,
		Chat:     v.Chat,
		Match:    v.Match,
		Presence: v.Presence,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(r, deps)
	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, v)
}

func serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Infof("control API on http://%s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}
