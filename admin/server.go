// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// bfcp is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// bfcp is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

// Package admin exposes a read-only HTTP introspection API over a
// running Endpoint: the peer table, the outbound transaction table, and
// activity counters, each as a JSON snapshot.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bfcp/engine"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
)

// Server wraps a mux.Router serving snapshots of an Endpoint's state.
// It never mutates the Endpoint.
type Server struct {
	ep     *engine.Endpoint
	router *mux.Router
	srv    *http.Server
}

// NewServer builds a Server bound to addr, reading from ep.
func NewServer(ep *engine.Endpoint, addr string) *Server {
	s := &Server{ep: ep, router: mux.NewRouter()}
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.srv = &http.Server{
		Handler:      s.router,
		Addr:         addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Run starts the HTTP server in a goroutine and shuts it down gracefully
// when ctx is cancelled, mirroring the teacher's RPC server lifecycle.
func (s *Server) Run(ctx context.Context) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[admin] server listen failed: %s", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf(logger.WARN, "[admin] server shutdown failed: %s", err.Error())
		}
	}()
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ep.Peers())
}

func (s *Server) handleTransactions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ep.Transactions())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ep.Stats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf(logger.WARN, "[admin] failed to encode response: %v", err)
	}
}
