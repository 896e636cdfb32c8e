// Package httpapi exposes the REST surface of the wallet layer.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	app "github.com/AgentPay-Network/wallet_layer/internal/app"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	domaintransfer "github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/delegate"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/sessionkeys"
	transfersvc "github.com/AgentPay-Network/wallet_layer/internal/app/services/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/internal/middleware"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the router exposing the REST API. Authentication and
// rate limiting are applied by the caller's middleware chain.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/transfers", h.createTransfer).Methods(http.MethodPost)
	r.HandleFunc("/transfers", h.listTransfers).Methods(http.MethodGet)
	r.HandleFunc("/transfers/{id}", h.getTransfer).Methods(http.MethodGet)

	r.HandleFunc("/session-keys", h.grantSessionKey).Methods(http.MethodPost)
	r.HandleFunc("/session-keys", h.listSessionKeys).Methods(http.MethodGet)
	r.HandleFunc("/session-keys/{id}", h.revokeSessionKey).Methods(http.MethodDelete)

	r.HandleFunc("/delegate/execute", h.delegateExecute).Methods(http.MethodPost)
	r.HandleFunc("/delegate/batch", h.delegateBatch).Methods(http.MethodPost)

	r.HandleFunc("/challenges/{id}", h.getChallenge).Methods(http.MethodGet)
	r.HandleFunc("/challenges/{id}/approve", h.resolveChallenge(true)).Methods(http.MethodPost)
	r.HandleFunc("/challenges/{id}/reject", h.resolveChallenge(false)).Methods(http.MethodPost)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// transfers ------------------------------------------------------------------

type createTransferRequest struct {
	WalletID         string `json:"wallet_id"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	Amount           int64  `json:"amount"`
	Depositor        string `json:"depositor"`
	Recipient        string `json:"recipient"`
	Fast             bool   `json:"fast"`
	Instant          bool   `json:"instant"`
	MaxFee           int64  `json:"max_fee"`
	SessionKeyID     string `json:"session_key_id"`
}

type transferResponse struct {
	ID                string     `json:"id"`
	WalletID          string     `json:"wallet_id"`
	SourceChain       string     `json:"source_chain"`
	DestinationChain  string     `json:"destination_chain"`
	Amount            int64      `json:"amount"`
	Fast              bool       `json:"fast"`
	Status            string     `json:"status"`
	Progress          int        `json:"progress"`
	SourceTxHash      string     `json:"source_tx_hash,omitempty"`
	DestinationTxHash string     `json:"destination_tx_hash,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func toTransferResponse(rec domaintransfer.Record) transferResponse {
	resp := transferResponse{
		ID:                rec.ID,
		WalletID:          rec.WalletID,
		SourceChain:       rec.SourceChain,
		DestinationChain:  rec.DestinationChain,
		Amount:            rec.Spec.Value,
		Fast:              rec.Fast,
		Status:            string(rec.Status),
		Progress:          rec.Progress,
		SourceTxHash:      rec.SourceTxHash,
		DestinationTxHash: rec.DestinationTxHash,
		Error:             rec.Error,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

func (h *handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	var payload createTransferRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(payload.Recipient) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("recipient is not a valid address"))
		return
	}
	if payload.Depositor != "" && !common.IsHexAddress(payload.Depositor) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("depositor is not a valid address"))
		return
	}
	if err := checkWalletScope(r, payload.WalletID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	req := transfersvc.Request{
		WalletID:         payload.WalletID,
		UserID:           middleware.GetUserID(r.Context()),
		SourceChain:      payload.SourceChain,
		DestinationChain: payload.DestinationChain,
		Amount:           payload.Amount,
		Depositor:        common.HexToAddress(payload.Depositor),
		Recipient:        common.HexToAddress(payload.Recipient),
		Fast:             payload.Fast,
		MaxFee:           payload.MaxFee,
		SessionKeyID:     payload.SessionKeyID,
		UserToken:        bearerToken(r),
	}

	var (
		rec domaintransfer.Record
		err error
	)
	if payload.Instant {
		rec, err = h.app.Transfers.BeginInstant(r.Context(), req)
	} else {
		rec, err = h.app.Transfers.Begin(r.Context(), req)
	}
	if err != nil {
		var routeErr *transfersvc.RouteError
		if errors.As(err, &routeErr) {
			writeJSON(w, http.StatusBadRequest, routeErr.Result)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTransferResponse(rec))
}

func (h *handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Transfers.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(rec))
}

func (h *handler) listTransfers(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		walletID = middleware.GetWalletID(r.Context())
	}
	if walletID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("wallet_id is required"))
		return
	}
	if err := checkWalletScope(r, walletID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	recs, err := h.app.Transfers.List(r.Context(), walletID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]transferResponse, len(recs))
	for i, rec := range recs {
		out[i] = toTransferResponse(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// session keys ---------------------------------------------------------------

type sessionKeyResponse struct {
	ID                string    `json:"id"`
	WalletID          string    `json:"wallet_id"`
	AgentID           string    `json:"agent_id"`
	AllowedActions    []string  `json:"allowed_actions"`
	AllowedChains     []string  `json:"allowed_chains,omitempty"`
	AllowedTokens     []string  `json:"allowed_tokens,omitempty"`
	SpendingLimit     int64     `json:"spending_limit"`
	SpendingUsed      int64     `json:"spending_used"`
	MaxPerTransaction int64     `json:"max_per_transaction,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	AutoRenew         bool      `json:"auto_renew"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

func toSessionKeyResponse(key sessionkey.SessionKey) sessionKeyResponse {
	actions := make([]string, len(key.AllowedActions))
	for i, a := range key.AllowedActions {
		actions[i] = string(a)
	}
	return sessionKeyResponse{
		ID:                key.ID,
		WalletID:          key.WalletID,
		AgentID:           key.AgentID,
		AllowedActions:    actions,
		AllowedChains:     key.AllowedChains,
		AllowedTokens:     key.AllowedTokens,
		SpendingLimit:     key.SpendingLimit,
		SpendingUsed:      key.SpendingUsed,
		MaxPerTransaction: key.MaxPerTransaction,
		ExpiresAt:         key.ExpiresAt,
		AutoRenew:         key.AutoRenew,
		Status:            string(key.Status),
		CreatedAt:         key.CreatedAt,
	}
}

type grantSessionKeyRequest struct {
	WalletID          string   `json:"wallet_id"`
	AgentID           string   `json:"agent_id"`
	AllowedActions    []string `json:"allowed_actions"`
	AllowedChains     []string `json:"allowed_chains"`
	AllowedTokens     []string `json:"allowed_tokens"`
	SpendingLimit     int64    `json:"spending_limit"`
	MaxPerTransaction int64    `json:"max_per_transaction"`
	DurationSeconds   int64    `json:"duration_seconds"`
	AutoRenew         bool     `json:"auto_renew"`
}

func (h *handler) grantSessionKey(w http.ResponseWriter, r *http.Request) {
	var payload grantSessionKeyRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := checkWalletScope(r, payload.WalletID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	actions := make([]sessionkey.Action, len(payload.AllowedActions))
	for i, a := range payload.AllowedActions {
		actions[i] = sessionkey.Action(a)
	}

	key, err := h.app.SessionKeys.Grant(r.Context(), sessionkeys.GrantRequest{
		WalletID:          payload.WalletID,
		UserID:            middleware.GetUserID(r.Context()),
		AgentID:           payload.AgentID,
		AllowedActions:    actions,
		AllowedChains:     payload.AllowedChains,
		AllowedTokens:     payload.AllowedTokens,
		SpendingLimit:     payload.SpendingLimit,
		MaxPerTransaction: payload.MaxPerTransaction,
		Duration:          time.Duration(payload.DurationSeconds) * time.Second,
		AutoRenew:         payload.AutoRenew,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionKeyResponse(key))
}

func (h *handler) listSessionKeys(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		walletID = middleware.GetWalletID(r.Context())
	}
	if walletID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("wallet_id is required"))
		return
	}
	if err := checkWalletScope(r, walletID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	keys, err := h.app.SessionKeys.List(r.Context(), walletID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]sessionKeyResponse, len(keys))
	for i, key := range keys {
		out[i] = toSessionKeyResponse(key)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) revokeSessionKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.app.SessionKeys.Revoke(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionKeyResponse(key))
}

// delegated execution --------------------------------------------------------

type delegateExecuteRequest struct {
	WalletID         string        `json:"wallet_id"`
	AgentID          string        `json:"agent_id"`
	Action           string        `json:"action"`
	Amount           *int64        `json:"amount,omitempty"`
	Chain            string        `json:"chain"`
	Token            string        `json:"token"`
	Contract         string        `json:"contract"`
	Function         string        `json:"function"`
	Params           []interface{} `json:"params"`
	DestinationChain string        `json:"destination_chain"`
	Recipient        string        `json:"recipient"`
}

func (h *handler) delegateExecute(w http.ResponseWriter, r *http.Request) {
	var payload delegateExecuteRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := checkWalletScope(r, payload.WalletID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if payload.Recipient != "" && !common.IsHexAddress(payload.Recipient) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("recipient is not a valid address"))
		return
	}

	res, err := h.app.Delegate.Execute(r.Context(), delegate.Request{
		WalletID:         payload.WalletID,
		UserID:           middleware.GetUserID(r.Context()),
		AgentID:          payload.AgentID,
		Action:           sessionkey.Action(payload.Action),
		Amount:           payload.Amount,
		Chain:            payload.Chain,
		Token:            payload.Token,
		Contract:         payload.Contract,
		Function:         payload.Function,
		Params:           payload.Params,
		DestinationChain: payload.DestinationChain,
		Recipient:        common.HexToAddress(payload.Recipient),
		UserToken:        bearerToken(r),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type delegateBatchRequest struct {
	WalletID   string                   `json:"wallet_id"`
	AgentID    string                   `json:"agent_id"`
	Operations []delegateExecuteRequest `json:"operations"`
}

func (h *handler) delegateBatch(w http.ResponseWriter, r *http.Request) {
	var payload delegateBatchRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := checkWalletScope(r, payload.WalletID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	ops := make([]delegate.Operation, len(payload.Operations))
	for i, op := range payload.Operations {
		if op.Recipient != "" && !common.IsHexAddress(op.Recipient) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("operation %d: recipient is not a valid address", i))
			return
		}
		ops[i] = delegate.Operation{
			Action:           sessionkey.Action(op.Action),
			Amount:           op.Amount,
			Chain:            op.Chain,
			Token:            op.Token,
			Contract:         op.Contract,
			Function:         op.Function,
			Params:           op.Params,
			DestinationChain: op.DestinationChain,
			Recipient:        common.HexToAddress(op.Recipient),
		}
	}

	res, err := h.app.Delegate.ExecuteBatch(r.Context(), delegate.BatchRequest{
		WalletID:   payload.WalletID,
		UserID:     middleware.GetUserID(r.Context()),
		AgentID:    payload.AgentID,
		Operations: ops,
		UserToken:  bearerToken(r),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// challenges -----------------------------------------------------------------

func (h *handler) getChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := h.app.Delegate.GetChallenge(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *handler) resolveChallenge(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := h.app.Delegate.ResolveChallenge(r.Context(), mux.Vars(r)["id"], approve)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, ch)
	}
}

// helpers --------------------------------------------------------------------

// checkWalletScope enforces the token's wallet binding, when present.
func checkWalletScope(r *http.Request, walletID string) error {
	scoped := middleware.GetWalletID(r.Context())
	if scoped != "" && walletID != "" && scoped != walletID {
		return fmt.Errorf("token is not scoped to wallet %s", walletID)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func decodeJSON(body io.Reader, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
