package metrics

import "expvar"

var (
	CyclesRun        = expvar.NewInt("cycles_run")
	CyclesSkipped    = expvar.NewInt("cycles_skipped")
	SignalsEvaluated = expvar.NewInt("signals_evaluated")

	TradesSubmitted = expvar.NewInt("trades_submitted")
	TradesConfirmed = expvar.NewInt("trades_confirmed")
	TradesFailed    = expvar.NewInt("trades_failed")

	ReconcileRuns       = expvar.NewInt("reconcile_runs")
	ReconcileMismatches = expvar.NewInt("reconcile_mismatches")
)
