package server

import (
	"encoding/json"
	"errors"
	"iter"
	"math"
	"net/http"
	"strconv"
	"time"

	"nftmarket/internal/log"
	"nftmarket/internal/market"
	"nftmarket/internal/registry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type handlers struct {
	Deps
	logger *log.Logger
}

type listRequest struct {
	Collection      string        `json:"collection"`
	TokenID         uint64        `json:"token_id"`
	Metadata        string        `json:"metadata"`
	Price           market.Amount `json:"price"`
	DurationSeconds int64         `json:"duration_seconds"`
}

// maxDurationSeconds is the longest window a time.Duration can hold.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// duration converts the requested window. Windows that do not fit come back
// as zero so the engine rejects them in its usual check order.
func (req listRequest) duration() time.Duration {
	if req.DurationSeconds < 0 || req.DurationSeconds > maxDurationSeconds {
		return 0
	}
	return time.Duration(req.DurationSeconds) * time.Second
}

type itemResponse struct {
	market.Item
	State market.State `json:"state"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	for name, dep := range h.Health {
		if err := dep.Ping(r.Context()); err != nil {
			h.logger.Error("Health check failed", zap.String("dependency", name), zap.Error(err))
			http.Error(w, name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("OK"))
}

func (h *handlers) marketItems(w http.ResponseWriter, r *http.Request) {
	h.writeItems(w, h.Engine.MarketItems())
}

func (h *handlers) unsold(w http.ResponseWriter, r *http.Request) {
	h.writeItems(w, h.Engine.Unsold())
}

func (h *handlers) bought(w http.ResponseWriter, r *http.Request) {
	h.writeItems(w, h.Engine.ItemsBought(Caller(r.Context())))
}

func (h *handlers) created(w http.ResponseWriter, r *http.Request) {
	h.writeItems(w, h.Engine.ItemsCreated(Caller(r.Context())))
}

func (h *handlers) item(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	it, err := h.Engine.Item(itemID)
	if err != nil {
		h.fail(w, "get_item", err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Item: it, State: it.State(h.Engine.Now())})
}

func (h *handlers) listForSale(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !h.decode(w, r, &req) {
		return
	}
	d := req.duration()
	ref := market.AssetRef{Collection: req.Collection, TokenID: req.TokenID}
	itemID, err := h.Engine.ListForSale(r.Context(), Caller(r.Context()), ref, req.Price, d)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"item_id": itemID})
}

func (h *handlers) createAndList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !h.decode(w, r, &req) {
		return
	}
	d := req.duration()
	itemID, err := h.Engine.CreateAndList(r.Context(), Caller(r.Context()), req.Collection, req.Metadata, req.Price, d)
	if err != nil {
		h.fail(w, "mint_and_list", err)
		return
	}
	it, _ := h.Engine.Item(itemID)
	writeJSON(w, http.StatusCreated, map[string]any{"item_id": itemID, "asset": it.Asset})
}

func (h *handlers) buy(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req struct {
		Payment market.Amount `json:"payment"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.Buy(r.Context(), Caller(r.Context()), itemID, req.Payment); err != nil {
		h.fail(w, "buy", err)
		return
	}
	h.writeItem(w, itemID)
}

func (h *handlers) delist(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.Engine.Delist(r.Context(), Caller(r.Context()), itemID); err != nil {
		h.fail(w, "delist", err)
		return
	}
	h.writeItem(w, itemID)
}

func (h *handlers) relist(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req listRequest
	if !h.decode(w, r, &req) {
		return
	}
	d := req.duration()
	if err := h.Engine.Relist(r.Context(), Caller(r.Context()), itemID, req.Price, d); err != nil {
		h.fail(w, "relist", err)
		return
	}
	h.writeItem(w, itemID)
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	amount, err := h.Accounts.Balance(r.Context(), caller)
	if err != nil {
		h.fail(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": caller, "balance": amount})
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := h.Accounts.Events(r.Context(), after, limit)
	if err != nil {
		h.fail(w, "events", err)
		return
	}
	if events == nil {
		events = []market.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) config(w http.ResponseWriter, r *http.Request) {
	cfg := h.Engine.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":            cfg.Owner,
		"fee_rate_percent": cfg.FeeRatePercent,
		"escrow":           h.Engine.Escrow(),
	})
}

func (h *handlers) updateFeeRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeRatePercent uint64 `json:"fee_rate_percent"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.UpdateFeeRate(r.Context(), Caller(r.Context()), req.FeeRatePercent); err != nil {
		h.fail(w, "update_fee_rate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"fee_rate_percent": req.FeeRatePercent})
}

func (h *handlers) createCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	caller := Caller(r.Context())
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "collection name is required")
		return
	}
	if err := h.Registry.CreateCollection(r.Context(), req.Name, caller); err != nil {
		h.fail(w, "create_collection", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "owner": caller})
}

func (h *handlers) transferCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner market.Address `json:"owner"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "collection")
	if err := h.Registry.TransferCollection(r.Context(), name, Caller(r.Context()), req.Owner); err != nil {
		h.fail(w, "transfer_collection", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "owner": req.Owner})
}

func (h *handlers) setApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator market.Address `json:"operator"`
		Approved bool           `json:"approved"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Operator == "" {
		req.Operator = h.Engine.Escrow()
	}
	h.Registry.SetApprovalForAll(r.Context(), Caller(r.Context()), req.Operator, req.Approved)
	writeJSON(w, http.StatusOK, req)
}

func (h *handlers) token(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "token"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}
	ref := market.AssetRef{Collection: chi.URLParam(r, "collection"), TokenID: tokenID}
	tok, err := h.Registry.Token(r.Context(), ref)
	if err != nil {
		h.fail(w, "get_token", err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *handlers) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || itemID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return 0, false
	}
	return itemID, true
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *handlers) writeItems(w http.ResponseWriter, seq iter.Seq[market.Item]) {
	now := h.Engine.Now()
	out := []itemResponse{}
	for it := range seq {
		out = append(out, itemResponse{Item: it, State: it.State(now)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) writeItem(w http.ResponseWriter, itemID int64) {
	it, err := h.Engine.Item(itemID)
	if err != nil {
		h.fail(w, "get_item", err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Item: it, State: it.State(h.Engine.Now())})
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	if h.Rejections != nil {
		h.Rejections.ObserveRejection(op, err)
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

var rejectionStatus = []struct {
	err    error
	status int
}{
	{market.ErrItemNotFound, http.StatusNotFound},
	{market.ErrNotSeller, http.StatusForbidden},
	{market.ErrNotOwner, http.StatusForbidden},
	{market.ErrNotAuthorized, http.StatusForbidden},
	{market.ErrItemUnavailable, http.StatusConflict},
	{market.ErrItemAlreadySold, http.StatusConflict},
	{market.ErrListingNotYetExpired, http.StatusConflict},
	{market.ErrListingExpired, http.StatusGone},
	{market.ErrIncorrectPayment, http.StatusPaymentRequired},
	{market.ErrInvalidDuration, http.StatusBadRequest},
	{market.ErrInvalidPrice, http.StatusBadRequest},
	{market.ErrFeeRateTooHigh, http.StatusBadRequest},
	{registry.ErrUnknownCollection, http.StatusNotFound},
	{registry.ErrUnknownToken, http.StatusNotFound},
	{registry.ErrCollectionExists, http.StatusConflict},
	{registry.ErrNotCollectionOwner, http.StatusForbidden},
}

func statusFor(err error) int {
	for _, m := range rejectionStatus {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
