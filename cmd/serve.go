package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aelpxy/roll/internal/api"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

var (
	serveListen       string
	serveDrainTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rollout controller behind an HTTP API",
	Long: "Serve the rollout API so rollouts outlive the command that started them.\n" +
		"Rollouts a previous server left unfinished are recovered on start.",
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "address to listen on (default from config)")
	serveCmd.Flags().DurationVar(&serveDrainTimeout, "drain-timeout", 30*time.Second, "how long to wait for running rollouts on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	e := mustEnv()
	defer e.Close()

	if remote() {
		fail("cannot serve", fmt.Errorf("--server points at another server"))
	}

	ctrl, err := e.controller(os.Stderr)
	if err != nil {
		fail("failed to initialize", err)
	}
	st, err := e.openStore()
	if err != nil {
		fail("failed to initialize", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := ctrl.Recover(ctx)
	if err != nil {
		fail("failed to recover rollouts", err)
	}
	if n > 0 {
		level.Warn(e.logger).Log("msg", "recovered unfinished rollouts", "count", n)
	}

	listen := serveListen
	if listen == "" {
		listen = e.cfg.Server.Listen
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           api.NewHandler(ctrl, st, api.NewRouter(), e.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	level.Info(e.logger).Log("msg", "serving rollout api", "addr", listen, "cluster", e.cfg.Cluster.Backend, "store", e.cfg.Store.Backend)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			fail("server stopped", err)
		}
	case <-ctx.Done():
	}

	level.Info(e.logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveDrainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		level.Warn(e.logger).Log("msg", "http shutdown", "err", err)
	}
	// rollouts still running past the deadline are recovered by the next start
	if err := ctrl.Drain(shutdownCtx); err != nil {
		level.Warn(e.logger).Log("msg", "rollouts still running at shutdown", "err", err)
	}
}
