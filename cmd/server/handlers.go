package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/execution"
	"github.com/paperdesk/engine/internal/snapshot"
	"github.com/paperdesk/engine/internal/symbol"
	"github.com/paperdesk/engine/pkg/types"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid bearer token")
)

// httpHandlers serves the order-placement and snapshot REST routes
// spec.md §6 names, mirroring cmd/rest-server/main.go's
// request/response struct + mux.HandleFunc shape (grpc client swapped
// for an in-process execution.Engine call).
type httpHandlers struct {
	exec       *execution.Engine
	snapshot   *snapshot.Cache
	authSecret string
	log        *logrus.Entry
}

type placeOrderRequest struct {
	Symbol         string `json:"symbol"`
	InstrumentKey  string `json:"instrumentKey"`
	Side           string `json:"side"`
	Quantity       int64  `json:"quantity"`
	OrderType      string `json:"orderType"`
	LimitPrice     string `json:"limitPrice,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *httpHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := req.InstrumentKey
	if key == "" {
		resolved, err := symbol.ToInstrumentKey(req.Symbol)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unrecognized symbol")
			return
		}
		key = string(resolved)
	}

	side := types.Side(strings.ToUpper(req.Side))
	if side != types.SideBuy && side != types.SideSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	orderType := types.OrderType(strings.ToUpper(req.OrderType))
	limitPrice := decimal.Zero
	if req.LimitPrice != "" {
		limitPrice, err = decimal.NewFromString(req.LimitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limitPrice")
			return
		}
	}

	order, err := h.exec.PlaceOrder(r.Context(), execution.PlaceOrderRequest{
		UserID:         userID,
		InstrumentKey:  types.InstrumentKey(key),
		Side:           side,
		Quantity:       req.Quantity,
		Type:           orderType,
		LimitPrice:     limitPrice,
		IdempotencyKey: req.IdempotencyKey,
	})

	var dupErr *execution.DuplicateOrderError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": order})
	case errors.As(err, &dupErr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"success": false, "error": "duplicate order", "data": dupErr.Existing})
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *httpHandlers) getSnapshot(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	var keys []types.InstrumentKey
	for _, s := range strings.Split(raw, ",") {
		key, err := symbol.ToInstrumentKey(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}

	quotes, err := h.snapshot.GetSnapshot(r.Context(), keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"symbols": keys, "quotes": quotes},
	})
}

func (h *httpHandlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ok"})
}

// authenticate verifies an HS256 bearer token against AUTH_SECRET and
// returns the "sub" claim as the acting userId, mirroring
// internal/fanout.Server.authenticate's verification shape.
func (h *httpHandlers) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", errMissingToken
	}
	tokenStr := header[len(prefix):]

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(h.authSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return "", errInvalidToken
	}
	return userID, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}
