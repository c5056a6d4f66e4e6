package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_apply_total",
		Help: "Ledger apply calls, labeled by transaction source and outcome",
	}, []string{"source", "outcome"})

	exchangeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_exchange_settlements_total",
		Help: "Exchange settlements by outcome",
	}, []string{"outcome"})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliations_total",
		Help: "Exchange edit reconciliations by mode",
	}, []string{"mode"})

	undoTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_undo_total",
		Help: "Undo requests by outcome",
	}, []string{"outcome"})
)

const (
	outcomeApplied  = "applied"
	outcomeReplayed = "replayed"
	outcomeError    = "error"

	outcomeSettled            = "settled"
	outcomeCompensated        = "compensated"
	outcomeCompensationFailed = "compensation_failed"
	outcomeRejected           = "rejected"

	modeDelta   = "delta"
	modeRebuild = "rebuild"
	modeSkipped = "skipped"

	outcomeAlreadyUndone = "already_undone"
)
