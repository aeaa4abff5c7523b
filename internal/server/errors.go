// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
)

// Erros de contrato do protocolo. O conjunto é fechado: handlers traduzem
// cada kind para um status HTTP e um código de erro no body; nada aqui é
// retried internamente.
var (
	// ErrBadIdentifier indica um session ID ou file name fora do alfabeto permitido.
	ErrBadIdentifier = errors.New("bad identifier")

	// ErrMetadataConflict indica metadata de create que contradiz o registro existente.
	ErrMetadataConflict = errors.New("metadata conflict")

	// ErrUnknownSession indica uma sessão que não existe no registry.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownChunk indica um chunk index fora de [0, total_chunks).
	ErrUnknownChunk = errors.New("unknown chunk")

	// ErrPayloadTooLarge indica um body de append acima de max_chunk_bytes.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrStorageFull indica erro classe-ENOSPC ao persistir um chunk.
	ErrStorageFull = errors.New("storage full")

	// ErrAssemblyInProgress indica cancel durante assembly_state=in_progress.
	ErrAssemblyInProgress = errors.New("assembly in progress")

	// ErrMissingChunks indica tentativa de montagem com chunks ausentes.
	// O Assembler volta a sessão para pending; o coordinator re-agenda.
	ErrMissingChunks = errors.New("missing chunks")
)

// OffsetMismatchError indica que o offset declarado pelo client não é igual
// ao tamanho atual do chunk em disco. Actual carrega o offset real para que
// o client corrija e repita (probe-before-retry).
type OffsetMismatchError struct {
	Actual int64
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("offset mismatch: current offset is %d", e.Actual)
}
