// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"sync/atomic"
	"time"
)

// serverStats acumula contadores de tráfego entre relatórios. Os contadores
// de bytes usam swap-and-reset: cada relatório lê o acumulado do intervalo
// e zera.
type serverStats struct {
	TrafficIn      atomic.Int64 // bytes recebidos em appends e fallback
	DiskWrite      atomic.Int64 // bytes efetivamente persistidos
	ActiveRequests atomic.Int64 // requests de upload em andamento
}

// StartStatsReporter imprime métricas do server a cada 15 segundos:
// requests ativas, traffic in (MB/s), disk write (MB/s), sessões abertas e
// quantas estão em montagem.
func (h *Handler) StartStatsReporter(ctx context.Context) {
	const interval = 15 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Swap-and-reset: lê o acumulado e zera
			trafficIn := h.stats.TrafficIn.Swap(0)
			diskWrite := h.stats.DiskWrite.Swap(0)
			active := h.stats.ActiveRequests.Load()

			var assembling int
			sessions := h.registry.All()
			for _, rec := range sessions {
				if rec.AssemblyState == AssemblyInProgress {
					assembling++
				}
			}

			// Calcula taxas em MB/s
			secs := interval.Seconds()
			trafficMBps := float64(trafficIn) / secs / (1024 * 1024)
			diskMBps := float64(diskWrite) / secs / (1024 * 1024)

			h.logger.Info("server stats",
				"active_requests", active,
				"traffic_in_mbps", trafficMBps,
				"disk_write_mbps", diskMBps,
				"sessions", len(sessions),
				"assembling", assembling)
		}
	}
}
