package manager

import (
	"localmodeld/pkg/types"
)

// StatusReport builds the residency part of the /status response.
func (m *Manager) StatusReport() types.StatusResponse {
	snap := m.reg.Snapshot()
	resp := types.StatusResponse{
		Residents:     make([]types.ResidentStatus, 0, len(snap)),
		Loading:       m.reg.LoadingIDs(),
		TotalMemoryMB: m.reg.TotalMemoryMB(),
	}
	for _, info := range snap {
		rs := types.ResidentStatus{
			ModelID:           info.ModelID,
			ContextSize:       info.ContextSize,
			GPULayers:         info.GPULayers,
			LoadedAtUnix:      info.LoadedAt.Unix(),
			LastUsedUnix:      info.LastUsedAt.Unix(),
			Threads:           info.ThreadIDs,
			EstimatedMemoryMB: info.EstimatedMemoryMB,
		}
		if u, ok := m.reg.Usage(info.ModelID); ok {
			rs.TotalPrompts, rs.TotalTokens = u.TotalPrompts, u.TotalTokens
		}
		resp.Residents = append(resp.Residents, rs)
	}
	m.wmu.Lock()
	if p, ok := m.worker.(interface{ PID() int }); ok {
		resp.WorkerPID = p.PID()
	}
	m.wmu.Unlock()
	return resp
}
