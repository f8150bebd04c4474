package app

import (
	"context"

	"github.com/charlpcronje/FXD-sub007/internal/core/ports"
)

var _ ports.HealthService = (*App)(nil)

// Check reports the live state of the store for the /health endpoint and
// the one-shot status report.
func (a *App) Check(ctx context.Context) ports.HealthStatus {
	status := "ok"
	switch {
	case a.closed.Load():
		status = "closed"
	case a.failed.Load():
		status = "failed"
	}
	hs := ports.HealthStatus{
		Status:         status,
		Nodes:          a.store.Len(),
		NextSignal:     a.stream.NextIndex(),
		CheckpointSeq:  a.checkpointSeq.Load(),
		RecoveredFrom:  a.openedFrom,
		DurabilityMode: a.cfg.Durability.Policy,
	}
	if !a.closed.Load() {
		hs.LastSeq = a.wal.LastSeq()
	}
	if a.report != nil {
		hs.ReplayedCount = a.report.Records
		hs.TornTail = a.report.TornTail
	}
	return hs
}
