// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the HTTP interface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gentleomega/proofmem/internal/app"
	"github.com/gentleomega/proofmem/internal/auth"
	mcpserver "github.com/gentleomega/proofmem/internal/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP routes over a, with the MCP tools mounted at /mcp
func NewRouter(a *app.App) *chi.Mux {
	h := NewHandlers(a)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.Logger))
	r.Use(middleware.Recoverer)
	r.Use(auth.NewMiddleware(a.Config.Server.APIToken, "/health").RequireAuth)

	r.Get("/health", h.Health)

	r.Route("/items", func(r chi.Router) {
		r.Post("/", h.CreateItem)
		r.Get("/{id}", h.GetItem)
	})
	r.Post("/retrieve", h.Retrieve)
	r.Post("/embed", h.Embed)

	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", h.ListLedger)
		r.Get("/{id}", h.GetLedgerEntry)
	})

	r.Route("/sessions/{session}/turns", func(r chi.Router) {
		r.Post("/", h.AppendTurn)
		r.Get("/", h.RecentTurns)
		r.Post("/{turn}/promote", h.PromoteTurn)
	})

	r.Route("/chain", func(r chi.Router) {
		r.Get("/status", h.ChainStatus)
		r.Post("/reconcile", h.Reconcile)
		r.Get("/verify", h.Verify)
	})

	r.Mount(mcpserver.MCPPath, mcpserver.NewMCPServer(a.Service, a.Logger).HTTPHandler())

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
