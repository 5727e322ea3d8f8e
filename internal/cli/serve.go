// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gentleomega/proofmem/internal/api"
	"github.com/spf13/cobra"
)

var servePort int

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP over HTTP and the reconciler",
		RunE:  runServe,
	}
	cmd.Flags().IntVarP(&servePort, "port", "p", 0, "Server port (overrides server.port)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, logger, err := setup(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.Config.Server
	port := cfg.Port
	if servePort != 0 {
		port = servePort
	}
	readTimeout := time.Duration(cfg.ReadTimeoutSeconds) * time.Second

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Handler:           api.NewRouter(a),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	bgDone := make(chan error, 1)
	go func() { bgDone <- a.RunBackground(bgCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr, "chain", a.Chain.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			cancelBg()
			<-bgDone
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}

	cancelBg()
	if err := <-bgDone; err != nil {
		return err
	}
	return nil
}
