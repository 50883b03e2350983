package server

import (
	"log/slog"
	"net/http"
)

// Run serves the venue on addr until the listener fails.
func Run(addr string, state *State) error {
	handler := NewHandler(state)
	slog.Info("mock venue listening", slog.String("addr", addr))
	return http.ListenAndServe(addr, requestLog(handler.Mux()))
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr))
		next.ServeHTTP(w, r)
	})
}
