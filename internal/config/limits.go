package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/protocol"
)

// Limits is the configuration surface the client core consumes. Values may
// be overridden by the server's /config at startup; Clamp keeps them sane.
type Limits struct {
	MaxMessageBytes   int64    `json:"maxMessageBytes"`
	MaxMessages       int      `json:"maxMessages"`
	StorageMaxBytes   int64    `json:"storageMaxBytes"`
	StorageMaxAgeDays int      `json:"storageMaxAgeDays"`
	NamePattern       string   `json:"namePattern"`
	ErrorCodes        []string `json:"errorCodes"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes:   16 * 1024 * 1024,
		MaxMessages:       100,
		StorageMaxBytes:   5 * 1024 * 1024,
		StorageMaxAgeDays: 7,
		NamePattern:       domain.NamePattern,
		ErrorCodes:        protocol.ErrorCodes,
	}
}

// Clamp bounds server-supplied values. Retained count is clamped to
// [10,1000], the storage budget to at least 1 MiB, the age to at least one
// day, and an uncompilable name pattern falls back to the built-in rule.
func (l Limits) Clamp() Limits {
	if l.MaxMessageBytes < 1024 {
		l.MaxMessageBytes = 1024
	}
	if l.MaxMessages < 10 {
		l.MaxMessages = 10
	}
	if l.MaxMessages > 1000 {
		l.MaxMessages = 1000
	}
	if l.StorageMaxBytes < 1024*1024 {
		l.StorageMaxBytes = 1024 * 1024
	}
	if l.StorageMaxAgeDays < 1 {
		l.StorageMaxAgeDays = 1
	}
	if _, err := regexp.Compile(l.NamePattern); err != nil || l.NamePattern == "" {
		l.NamePattern = domain.NamePattern
	}
	if len(l.ErrorCodes) == 0 {
		l.ErrorCodes = protocol.ErrorCodes
	}
	return l
}

func (l Limits) MaxAge() time.Duration {
	return time.Duration(l.StorageMaxAgeDays) * 24 * time.Hour
}

// FetchLimits performs the one-shot /config fetch. On any failure the caller
// should fall back to DefaultLimits.
func FetchLimits(ctx context.Context, baseURL string) (Limits, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/config", nil)
	if err != nil {
		return Limits{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Limits{}, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Limits{}, fmt.Errorf("fetch config: unexpected status %d", resp.StatusCode)
	}
	var l Limits
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return Limits{}, fmt.Errorf("decode config: %w", err)
	}
	log.Info().Str("module", "config").Int64("max_message_bytes", l.MaxMessageBytes).Int("max_messages", l.MaxMessages).Msg("server config fetched")
	return l.Clamp(), nil
}
