// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxIdentifierLength é o comprimento máximo permitido para session IDs e
// nomes de gravação.
const maxIdentifierLength = 255

// validateSessionID valida que o identificador de sessão (escolhido pelo
// client) contém apenas caracteres do alfabeto configurado. Qualquer byte
// fora do alfabeto rejeita a request antes de tocar o filesystem.
func validateSessionID(id, alphabet string) error {
	if id == "" {
		return fmt.Errorf("%w: session id cannot be empty", ErrBadIdentifier)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: session id exceeds max length %d", ErrBadIdentifier, maxIdentifierLength)
	}
	for _, r := range id {
		if !strings.ContainsRune(alphabet, r) {
			return fmt.Errorf("%w: session id contains disallowed character %q", ErrBadIdentifier, r)
		}
	}
	return nil
}

// validateFileName valida que um nome de arquivo (recording name) é seguro
// como componente de caminho no filesystem. Previne path traversal.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: file name cannot be empty", ErrBadIdentifier)
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("%w: file name exceeds max length %d", ErrBadIdentifier, maxIdentifierLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: file name contains path separator", ErrBadIdentifier)
	}

	// Rejeita NUL byte
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: file name contains null byte", ErrBadIdentifier)
	}

	// Rejeita path traversal e nomes ocultos
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: file name starts with dot", ErrBadIdentifier)
	}

	return nil
}

// validatePathInRoot verifica que o caminho resolvido permanece dentro do
// storage root. Defesa em profundidade contra path traversal.
func validatePathInRoot(root, resolvedPath string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving storage root: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	// filepath.Rel retorna erro se os paths não compartilham prefixo
	rel, err := filepath.Rel(absRoot, absResolved)
	if err != nil {
		return fmt.Errorf("%w: path escapes storage root", ErrBadIdentifier)
	}

	// Se rel começa com "..", o path resolvido está fora do root
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: path %q escapes storage root %q", ErrBadIdentifier, resolvedPath, root)
	}

	return nil
}
