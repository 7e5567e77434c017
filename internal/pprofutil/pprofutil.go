package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"bftcomm/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var ErrPublicBind = errors.New("pprof: refusing non-loopback bind")

// Settings are read from BFT_PPROF, BFT_PPROF_ADDR and
// BFT_PPROF_ALLOW_PUBLIC.
type Settings struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

func FromEnv() Settings {
	s := Settings{
		Enabled:     strings.TrimSpace(os.Getenv("BFT_PPROF")) == "1",
		Addr:        strings.TrimSpace(os.Getenv("BFT_PPROF_ADDR")),
		AllowPublic: strings.TrimSpace(os.Getenv("BFT_PPROF_ALLOW_PUBLIC")) == "1",
	}
	if s.Addr == "" {
		s.Addr = defaultAddr
	}
	return s
}

// Start serves the pprof handlers until ctx is cancelled and returns the
// bound address. A disabled setting returns "" and no error.
func Start(ctx context.Context, s Settings) (string, error) {
	if !s.Enabled {
		return "", nil
	}
	if !s.AllowPublic && !isLoopbackBind(s.Addr) {
		return "", fmt.Errorf("%w: %s (set BFT_PPROF_ALLOW_PUBLIC=1)", ErrPublicBind, s.Addr)
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	actual := ln.Addr().String()
	debuglog.Logf("pprof enabled: http://%s/debug/pprof/", actual)
	go func() {
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return actual, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
