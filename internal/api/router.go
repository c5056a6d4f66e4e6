package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/fxledger/internal/api/middleware"
)

// NewRouter wires the ledger routes, /health and /metrics.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Recovery(h.log), middleware.Logger(h.log))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	chat := apiV1.PathPrefix("/chats/{chat}").Subrouter()

	chat.HandleFunc("", instrument("/chats/{chat}", h.EnsureClient)).Methods(http.MethodPut)
	chat.HandleFunc("", instrument("/chats/{chat}", h.DeactivateClient)).Methods(http.MethodDelete)
	chat.HandleFunc("/rekey", instrument("/chats/{chat}/rekey", h.RekeyClient)).Methods(http.MethodPost)
	chat.HandleFunc("/wallet", instrument("/chats/{chat}/wallet", h.Wallet)).Methods(http.MethodGet)
	chat.HandleFunc("/currencies", instrument("/chats/{chat}/currencies", h.AddCurrency)).Methods(http.MethodPost)
	chat.HandleFunc("/currencies/{code}", instrument("/chats/{chat}/currencies/{code}", h.RemoveCurrency)).Methods(http.MethodDelete)
	chat.HandleFunc("/deposits", instrument("/chats/{chat}/deposits", h.Deposit)).Methods(http.MethodPost)
	chat.HandleFunc("/withdrawals", instrument("/chats/{chat}/withdrawals", h.Withdraw)).Methods(http.MethodPost)
	chat.HandleFunc("/exchanges", instrument("/chats/{chat}/exchanges", h.Settle)).Methods(http.MethodPost)
	chat.HandleFunc("/exchanges/{operation}", instrument("/chats/{chat}/exchanges/{operation}", h.EditExchange)).Methods(http.MethodPut)
	chat.HandleFunc("/messages/{message}/exchange", instrument("/chats/{chat}/messages/{message}/exchange", h.EditExchangeByMessage)).Methods(http.MethodPut)
	chat.HandleFunc("/undo", instrument("/chats/{chat}/undo", h.Undo)).Methods(http.MethodPost)
	chat.HandleFunc("/accounts/{account}/transactions", instrument("/chats/{chat}/accounts/{account}/transactions", h.History)).Methods(http.MethodGet)

	return r
}
