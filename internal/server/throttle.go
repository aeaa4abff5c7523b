// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter (256KB).
// Mantém as reservas pequenas mesmo com limites altos.
const maxBurstSize = 256 * 1024

// ThrottledReader é um io.Reader com rate limiting baseado em token bucket.
// Limita a taxa de leitura de bodies de append a bytesPerSec bytes/segundo,
// o que empurra backpressure para o client via TCP.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader cria um ThrottledReader com a taxa máxima em
// bytes/segundo. O limiter é compartilhado entre requests: um único token
// bucket governa a ingestão agregada do server. Se limiter for nil, retorna
// o reader original sem throttle (bypass).
func NewThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &ThrottledReader{r: r, limiter: limiter, ctx: ctx}
}

// NewIngestLimiter cria o limiter compartilhado de ingestão.
// Retorna nil se bytesPerSec <= 0 (sem throttle).
func NewIngestLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Read implementa io.Reader com rate limiting.
// Limita cada leitura ao burst e espera tokens antes de ler.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	if len(p) > tr.limiter.Burst() {
		p = p[:tr.limiter.Burst()]
	}

	n, err := tr.r.Read(p)
	if n <= 0 {
		return n, err
	}

	// Espera pelos tokens dos bytes efetivamente lidos
	if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
		return n, werr
	}

	return n, err
}
