package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/api/middleware"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/logger"
	"github.com/punchamoorthee/fxledger/internal/money"
	"github.com/punchamoorthee/fxledger/internal/registry"
	"github.com/punchamoorthee/fxledger/internal/service"
	"github.com/punchamoorthee/fxledger/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const idempotencyHeader = "Idempotency-Key"

type Handler struct {
	ledger *service.Ledger
	store  store.Store
	log    zerolog.Logger
}

func NewHandler(l *service.Ledger, st store.Store, log zerolog.Logger) *Handler {
	return &Handler{ledger: l, store: st, log: log}
}

type accountView struct {
	ID        int64  `json:"id"`
	Currency  string `json:"currency"`
	Precision int32  `json:"precision"`
	Balance   string `json:"balance"`
}

func walletView(accounts []domain.CurrencyAccount) []accountView {
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			ID:        a.ID,
			Currency:  a.Currency,
			Precision: a.Precision,
			Balance:   money.Format(a.Balance, a.Precision),
		})
	}
	return out
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EnsureClient handles PUT /chats/{chat}. New clients get the default
// currency set.
func (h *Handler) EnsureClient(w http.ResponseWriter, r *http.Request) {
	chat := mux.Vars(r)["chat"]
	var req struct {
		Name string  `json:"name"`
		City *string `json:"city"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}

	var (
		id       int64
		accounts []domain.CurrencyAccount
	)
	err := h.ledger.WithChat(r.Context(), chat, func(ctx context.Context) error {
		var err error
		if id, err = h.ledger.EnsureClient(ctx, chat, req.Name, req.City); err != nil {
			return err
		}
		accounts, err = h.ledger.EnsureDefaultAccounts(ctx, id)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": id,
		"wallet":    walletView(accounts),
	})
}

func (h *Handler) DeactivateClient(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	if _, err := h.ledger.DeactivateClient(r.Context(), client.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RekeyClient handles POST /chats/{chat}/rekey, used when a chat migrates
// to a new identity.
func (h *Handler) RekeyClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewChat string `json:"new_chat"`
	}
	if !decode(w, r, &req) {
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	if err := h.ledger.RekeyClient(r.Context(), client.ID, req.NewChat); err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"client_id": client.ID, "chat": strings.TrimSpace(req.NewChat)})
}

func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	accounts, err := h.ledger.Snapshot(r.Context(), client.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"client_id": client.ID, "wallet": walletView(accounts)})
}

func (h *Handler) AddCurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code      string `json:"code"`
		Precision *int32 `json:"precision"`
	}
	if !decode(w, r, &req) {
		return
	}
	precision := int32(money.DefaultPrecision)
	if req.Precision != nil {
		precision = *req.Precision
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	id, err := h.ledger.AddCurrency(r.Context(), client.ID, req.Code, precision)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]int64{"account_id": id})
}

func (h *Handler) RemoveCurrency(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	var removed bool
	err := h.ledger.WithChat(r.Context(), client.ExternalKey, func(ctx context.Context) error {
		var err error
		removed, err = h.ledger.RemoveCurrency(ctx, client.ID, mux.Vars(r)["code"])
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !removed {
		middleware.WriteError(w, http.StatusNotFound, "Currency not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustmentRequest struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Comment  string          `json:"comment"`
	GroupID  *int64          `json:"group_id"`
	ActorID  *int64          `json:"actor_id"`
	At       *time.Time      `json:"at"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.ledger.Deposit)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.ledger.Withdraw)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, op func(context.Context, service.Adjustment) (domain.ApplyResult, error)) {
	key, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req adjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	adj := service.Adjustment{
		ClientID:       client.ID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		IdempotencyKey: key,
		GroupID:        req.GroupID,
		ActorID:        req.ActorID,
		Comment:        req.Comment,
	}
	if req.At != nil {
		adj.At = *req.At
	}

	var res domain.ApplyResult
	err := h.ledger.WithChat(r.Context(), client.ExternalKey, func(ctx context.Context) error {
		var err error
		res, err = op(ctx, adj)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, createdOrReplayed(res.Replayed), map[string]interface{}{
		"transaction_id": res.TransactionID,
		"replayed":       res.Replayed,
	})
}

type exchangeRequest struct {
	LegA    domain.Leg `json:"leg_a"`
	LegB    domain.Leg `json:"leg_b"`
	Comment string     `json:"comment"`
	GroupID *int64     `json:"group_id"`
	ActorID *int64     `json:"actor_id"`
	// MessageID and BotMessageID index the exchange by the command that
	// created it.
	MessageID    *int64 `json:"message_id"`
	BotMessageID int64  `json:"bot_message_id"`
}

// Settle handles POST /chats/{chat}/exchanges. The Idempotency-Key header is
// the operation id.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	key, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req exchangeRequest
	if !decode(w, r, &req) {
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}

	var res domain.ExchangeResult
	err := h.ledger.WithChat(r.Context(), client.ExternalKey, func(ctx context.Context) error {
		var err error
		res, err = h.ledger.Settle(ctx, service.SettleRequest{
			ClientID:    client.ID,
			OperationID: key,
			LegA:        req.LegA,
			LegB:        req.LegB,
			GroupID:     req.GroupID,
			ActorID:     req.ActorID,
			Comment:     req.Comment,
		})
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if idx := h.ledger.Requests(); idx != nil && req.MessageID != nil {
		idx.Remember(registry.Key{Chat: client.ExternalKey, Message: *req.MessageID},
			registry.RequestRef{BotMessage: req.BotMessageID, OperationID: res.OperationID})
	}
	middleware.WriteJSON(w, createdOrReplayed(res.Replayed), res)
}

type editRequest struct {
	LegA    domain.Leg `json:"leg_a"`
	LegB    domain.Leg `json:"leg_b"`
	Comment string     `json:"comment"`
	ActorID *int64     `json:"actor_id"`
}

// EditExchange handles PUT /chats/{chat}/exchanges/{operation}. The
// Idempotency-Key header identifies this edit.
func (h *Handler) EditExchange(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(client domain.Client) (string, bool) {
		return mux.Vars(r)["operation"], true
	}, nil)
}

// EditExchangeByMessage handles PUT /chats/{chat}/messages/{message}/exchange,
// addressing the exchange by the command message that created it.
func (h *Handler) EditExchangeByMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := strconv.ParseInt(mux.Vars(r)["message"], 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	idx := h.ledger.Requests()
	h.edit(w, r, func(client domain.Client) (string, bool) {
		if idx == nil {
			return "", false
		}
		ref, ok := idx.Lookup(registry.Key{Chat: client.ExternalKey, Message: msg})
		return ref.OperationID, ok
	}, func(client domain.Client) {
		// The indexed exchange no longer exists.
		idx.Forget(registry.Key{Chat: client.ExternalKey, Message: msg})
	})
}

// edit runs an exchange edit; forget, when set, is called if the resolved
// operation has no exchange record.
func (h *Handler) edit(w http.ResponseWriter, r *http.Request, operation func(domain.Client) (string, bool), forget func(domain.Client)) {
	key, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	opID, ok := operation(client)
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "Unknown command message")
		return
	}

	var edited bool
	err := h.ledger.WithChat(r.Context(), client.ExternalKey, func(ctx context.Context) error {
		var err error
		edited, err = h.ledger.EditExchange(ctx, service.EditRequest{
			ClientID:    client.ID,
			OperationID: opID,
			EditID:      key,
			LegA:        req.LegA,
			LegB:        req.LegB,
			ActorID:     req.ActorID,
			Comment:     req.Comment,
		})
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !edited {
		if forget != nil {
			forget(client)
		}
		h.writeError(w, r, domain.ErrExchangeNotFound)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"operation_id": opID, "edited": true})
}

// Undo handles POST /chats/{chat}/undo. The ledger takes the chat lock
// itself and keys the reversal by (chat, message); the Idempotency-Key is
// recorded on the request log.
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	key, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageID int64           `json:"message_id"`
		Currency  string          `json:"currency"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	chat := mux.Vars(r)["chat"]
	log := logger.FromContext(r.Context()).With().
		Str("idempotency_key", key).
		Str("chat", chat).
		Int64("message_id", req.MessageID).
		Logger()
	res, err := h.ledger.Undo(r.Context(), chat, req.MessageID, req.Currency, req.Amount)
	if err != nil {
		log.Info().Err(err).Msg("undo refused")
		h.writeError(w, r, err)
		return
	}
	log.Info().Int64("txn_id", res.TransactionID).Bool("replayed", res.Replayed).Msg("undo applied")
	middleware.WriteJSON(w, createdOrReplayed(res.Replayed), map[string]interface{}{
		"transaction_id": res.TransactionID,
		"replayed":       res.Replayed,
	})
}

// History handles GET /chats/{chat}/accounts/{account}/transactions.
// Query: limit, since, until (RFC 3339), cursor_at and cursor_id.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["account"], 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	q, err := historyQuery(accountID, r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	if !h.owns(w, r, client.ID, accountID) {
		return
	}
	page, err := h.ledger.History(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, page)
}

func historyQuery(accountID int64, r *http.Request) (domain.HistoryQuery, error) {
	q := domain.HistoryQuery{AccountID: accountID}
	v := r.URL.Query()
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, errors.New("invalid limit")
		}
		q.Limit = n
	}
	for name, dst := range map[string]**time.Time{"since": &q.Since, "until": &q.Until} {
		if s := v.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return q, errors.New("invalid " + name)
			}
			*dst = &t
		}
	}
	at, id := v.Get("cursor_at"), v.Get("cursor_id")
	if (at == "") != (id == "") {
		return q, errors.New("cursor_at and cursor_id go together")
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return q, errors.New("invalid cursor_at")
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return q, errors.New("invalid cursor_id")
		}
		q.Cursor = &domain.HistoryCursor{At: t, ID: n}
	}
	return q, nil
}

// owns reports whether accountID is one of the client's active accounts,
// writing a 404 when it is not.
func (h *Handler) owns(w http.ResponseWriter, r *http.Request, clientID, accountID int64) bool {
	accounts, err := h.ledger.Snapshot(r.Context(), clientID)
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	for _, a := range accounts {
		if a.ID == accountID {
			return true
		}
	}
	h.writeError(w, r, domain.ErrAccountNotFound)
	return false
}

// client resolves the {chat} path variable to an active client.
func (h *Handler) client(w http.ResponseWriter, r *http.Request) (domain.Client, bool) {
	c, err := h.ledger.ClientByKey(r.Context(), mux.Vars(r)["chat"])
	if err != nil {
		h.writeError(w, r, err)
		return domain.Client{}, false
	}
	return c, true
}

// Helpers

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *domain.CompensationError
	switch {
	case errors.As(err, &ce):
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("operation_id", ce.OperationID).Msg("compensation failed")
		middleware.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error":              "Exchange left partially applied",
			"operation_id":       ce.OperationID,
			"leg_error":          errString(ce.LegErr),
			"compensation_error": errString(ce.CompensateErr),
		})
	case errors.Is(err, domain.ErrExchangeCompensated):
		middleware.WriteError(w, http.StatusConflict, "Exchange was reversed after a failed leg, resubmit with a new Idempotency-Key")
	case domain.IsNotFound(err):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyUndone), errors.Is(err, domain.ErrClientKeyTaken):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case domain.IsInvalidInput(err):
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case domain.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, http.StatusServiceUnavailable, "Temporarily unavailable, retry with the same Idempotency-Key")
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func requireIdempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Missing Idempotency-Key")
		return "", false
	}
	return key, true
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decode(w, r, dst)
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// instrument records request count and latency under a fixed endpoint label.
func instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &middleware.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next(rec, r)
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.Status)).Inc()
	}
}
