package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tradeledger/internal/engine"
	"tradeledger/internal/ledger"

	"go.uber.org/zap"
)

// Server exposes the engine's read-only query surface over HTTP. It serves
// the presentation boundary; writes go through the order processor and
// alert evaluator directly, not through this server.
type Server struct {
	server *http.Server
	engine *engine.Engine
	logger *zap.Logger
}

// NewServer creates a query API server on the given port.
func NewServer(eng *engine.Engine, logger *zap.Logger, port int) *Server {
	s := &Server{
		engine: eng,
		logger: logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.snapshotHandler)
	mux.HandleFunc("/api/holdings", s.holdingsHandler)
	mux.HandleFunc("/api/transactions", s.transactionsHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	snap, err := s.engine.Valuation().Snapshot(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to build snapshot", zap.String("user", userID), zap.Error(err))
		http.Error(w, "failed to build snapshot", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) holdingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	holdings, err := s.engine.Ledger().HoldingsOf(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to get holdings", zap.String("user", userID), zap.Error(err))
		http.Error(w, "failed to get holdings", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, holdings)
}

func (s *Server) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	filter, err := parseFilter(q.Get("asset"), q.Get("from"), q.Get("to"), q.Get("limit"), q.Get("offset"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txs, err := s.engine.Ledger().TransactionsOf(r.Context(), userID, filter)
	if err != nil {
		s.logger.Error("Failed to get transactions", zap.String("user", userID), zap.Error(err))
		http.Error(w, "failed to get transactions", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, txs)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func parseFilter(asset, from, to, limit, offset string) (ledger.TransactionFilter, error) {
	filter := ledger.TransactionFilter{AssetSymbol: asset}

	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, errors.New("invalid from timestamp, want RFC3339")
		}
		filter.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, errors.New("invalid to timestamp, want RFC3339")
		}
		filter.To = t
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = n
	}
	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, errors.New("invalid offset")
		}
		filter.Offset = n
	}
	return filter, nil
}
