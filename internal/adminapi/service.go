package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbell/pricecaster/relayer/internal/slots"
	"github.com/coldbell/pricecaster/relayer/internal/slotstore"
	"github.com/coldbell/pricecaster/relayer/internal/stats"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

// SlotRegistry is the slot manager surface exposed to operators.
type SlotRegistry interface {
	State() slots.State
	Consistent(ctx context.Context) (bool, error)
	RowCount(ctx context.Context) (int, error)
	Entries(ctx context.Context) ([]slotstore.Entry, error)
	AllocSlot(ctx context.Context, assetRef uint64, priceID wire.PriceID) (uint8, error)
}

type StatsSource interface {
	Snapshot() stats.Snapshot
	Reset()
}

type Service struct {
	listenAddr string
	logger     *slog.Logger
	slots      SlotRegistry
	stats      StatsSource
}

func New(listenAddr string, registry SlotRegistry, statsSource StatsSource, logger *slog.Logger) *Service {
	return &Service{
		listenAddr: listenAddr,
		logger:     logger,
		slots:      registry,
		stats:      statsSource,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/reset", s.handleStatsReset)
	mux.HandleFunc("/slots", s.handleSlots)
	mux.HandleFunc("/asset/register", s.handleRegisterAsset)
	return mux
}

// Run serves the admin API until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("admin api started", "listen_addr", s.listenAddr)

	select {
	case <-ctx.Done():
		s.logger.Info("admin api stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown admin api: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type slotResponse struct {
	Slot     uint8  `json:"slot"`
	PriceID  string `json:"price_id"`
	AssetRef uint64 `json:"asset_ref"`
}

type registerRequest struct {
	AssetRef uint64 `json:"asset_ref"`
	PriceID  string `json:"price_id"`
	SlotHint *int   `json:"slot_hint,omitempty"`
}

type registerResponse struct {
	Slot uint8 `json:"slot"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	state := s.slots.State()
	code := http.StatusOK
	if state != slots.Ready {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, healthResponse{OK: state == slots.Ready, State: state.String()})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Service) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	s.stats.Reset()
	s.respondJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Service) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	entries, err := s.slots.Entries(r.Context())
	if err != nil {
		s.logger.Error("failed to list slots", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list slots")
		return
	}

	out := make([]slotResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, slotResponse{Slot: entry.Slot, PriceID: entry.PriceID.Hex(), AssetRef: entry.AssetRef})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Service) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req registerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	priceID, err := wire.ParsePriceID(req.PriceID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	consistent, err := s.slots.Consistent(ctx)
	if err != nil {
		s.logger.Error("failed to compare slot layout with chain", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to read slot layout")
		return
	}
	if !consistent {
		s.respondError(w, http.StatusConflict, "local slot layout is inconsistent with the chain")
		return
	}

	if req.SlotHint != nil {
		count, err := s.slots.RowCount(ctx)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to count slots")
			return
		}
		if *req.SlotHint != count {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("slot_hint %d does not match next free slot %d", *req.SlotHint, count))
			return
		}
	}

	slot, err := s.slots.AllocSlot(ctx, req.AssetRef, priceID)
	switch {
	case err == nil:
	case errors.Is(err, slots.ErrAlreadyMapped):
		s.respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, slots.ErrFailed), errors.Is(err, slots.ErrNotInitialized):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("slot allocation failed", "price_id", priceID.Hex(), "asset_ref", req.AssetRef, "err", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("asset registered", "price_id", priceID.Hex(), "asset_ref", req.AssetRef, "slot", slot)
	s.respondJSON(w, http.StatusOK, registerResponse{Slot: slot})
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}
