// Command notesfixture serves the notes page used by the browser tests, so
// a real browser can be pointed at it with PAGECHECK_BASE_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kuitang/pagecheck/internal/notesfixture"
	"github.com/kuitang/pagecheck/internal/obs"
)

const shutdownTimeout = 5 * time.Second

func rootCmd() *cobra.Command {
	var (
		addr    string
		latency time.Duration
	)
	cmd := &cobra.Command{
		Use:           "notesfixture",
		Short:         "Serve the notes page and its JSON API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			obs.Init()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := start(addr, notesfixture.Options{Latency: latency})
			if err != nil {
				return err
			}
			obs.Pkg("main").Info("fixture_listening", "url", srv.URL, "latency_ms", latency.Milliseconds())
			<-ctx.Done()
			return srv.Close()
		},
	}
	defaultAddr := os.Getenv("PAGECHECK_FIXTURE_ADDR")
	if defaultAddr == "" {
		defaultAddr = ":8080"
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "listen address")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay before each API response")
	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		obs.Pkg("main").Error("fixture_failed", "error", err)
		os.Exit(1)
	}
}

// server is a running notes fixture.
type server struct {
	URL   string
	Store *notesfixture.Store

	http *http.Server
	done chan error
}

// routes serves the notes page plus Prometheus metrics.
func routes(store *notesfixture.Store, opts notesfixture.Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", notesfixture.NewServer(store, opts))
	return mux
}

func start(addr string, opts notesfixture.Options) (*server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	store := notesfixture.NewStore()
	s := &server{
		URL:   "http://" + ln.Addr().String(),
		Store: store,
		http: &http.Server{
			Handler:           routes(store, opts),
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan error, 1),
	}
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return s, nil
}

// Close shuts the server down, waiting for in-flight requests.
func (s *server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-s.done
}
