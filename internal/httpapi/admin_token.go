package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AdminTokenHolder provides thread-safe access to the admin bearer token,
// persisted to the data directory so it survives restarts. It implements the
// authentication mechanism only; what it gates is left to routes.go.
type AdminTokenHolder struct {
	mu      sync.RWMutex
	token   string
	dataDir string
}

// NewAdminTokenHolder resolves the initial token using:
//  1. an explicit operator-provided value
//  2. a previously persisted token in dataDir
//  3. a newly generated random token
//
// The resolved token is always (re-)persisted.
func NewAdminTokenHolder(configToken, dataDir string, logger *slog.Logger) (*AdminTokenHolder, error) {
	h := &AdminTokenHolder{dataDir: dataDir}

	switch {
	case configToken != "":
		h.token = configToken
	default:
		if persisted := h.readPersisted(); persisted != "" {
			h.token = persisted
		}
	}

	if h.token == "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		h.token = hex.EncodeToString(tokenBytes)
		logger.Warn("ZGATE_ADMIN_TOKEN not set — auto-generated token")
	}

	h.persist(logger)
	return h, nil
}

// Get returns the current admin token.
func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// ConstantTimeEqual reports whether provided matches the current token.
func (h *AdminTokenHolder) ConstantTimeEqual(provided string) bool {
	h.mu.RLock()
	current := h.token
	h.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Rotate generates and persists a new random token, returning it.
func (h *AdminTokenHolder) Rotate(logger *slog.Logger) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	newToken := hex.EncodeToString(tokenBytes)

	h.mu.Lock()
	h.token = newToken
	h.mu.Unlock()

	h.persist(logger)
	return newToken, nil
}

func (h *AdminTokenHolder) readPersisted() string {
	if h.dataDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(h.dataDir, ".admin-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist(logger *slog.Logger) {
	if h.dataDir == "" {
		return
	}
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()

	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		logger.Warn("failed to create data dir for admin token", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(filepath.Join(h.dataDir, ".admin-token"), []byte(token+"\n"), 0o600); err != nil {
		logger.Warn("failed to persist admin token", slog.String("error", err.Error()))
	}
}
