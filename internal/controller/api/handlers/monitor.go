package handlers

import (
	"context"

	"github.com/viperadnan-git/gpushare/internal/core/monitor"
)

type MonitorHandler struct {
	store monitor.SnapshotStore
}

func NewMonitorHandler(store monitor.SnapshotStore) *MonitorHandler {
	return &MonitorHandler{store: store}
}

func (h *MonitorHandler) Snapshot(ctx context.Context, _ *EmptyInput) (*DataOutput[monitor.Snapshot], error) {
	snap, err := h.store.Latest(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return OK(snap), nil
}
