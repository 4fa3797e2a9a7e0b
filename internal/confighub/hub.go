// Package confighub exposes externally managed runtime settings through
// typed getters. A background poller refreshes the snapshot; on source
// failure the last good snapshot keeps serving.
package confighub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Source fetches one configuration snapshot. Keys are flat strings; a
// value may be a scalar or a table (list of rows).
type Source interface {
	Fetch(ctx context.Context) (map[string]interface{}, error)
	Name() string
}

// Hub caches the latest snapshot behind typed getters.
type Hub struct {
	mu       sync.RWMutex
	source   Source
	values   map[string]interface{}
	loadedAt time.Time
	logger   *slog.Logger
}

func New(source Source, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source: source,
		values: make(map[string]interface{}),
		logger: logger.With("component", "confighub"),
	}
}

// Refresh fetches once. A fetch error leaves the previous snapshot in
// place and is returned for the caller to log or count.
func (h *Hub) Refresh(ctx context.Context) error {
	values, err := h.source.Fetch(ctx)
	if err != nil {
		h.logger.Warn("refresh failed, keeping last-good snapshot",
			"source", h.source.Name(), "error", err)
		return err
	}
	h.mu.Lock()
	h.values = values
	h.loadedAt = time.Now()
	h.mu.Unlock()
	h.logger.Debug("snapshot refreshed", "source", h.source.Name(), "keys", len(values))
	return nil
}

// Poll refreshes on a fixed interval until ctx ends. The first refresh
// happens immediately.
func (h *Hub) Poll(ctx context.Context, interval time.Duration) {
	_ = h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.Refresh(ctx)
		}
	}
}

// LoadedAt reports when the current snapshot was fetched; zero before the
// first successful refresh.
func (h *Hub) LoadedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loadedAt
}

func (h *Hub) raw(key string) (interface{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[key]
	return v, ok
}

// GetString returns the value at key, or def when missing.
func (h *Hub) GetString(key, def string) string {
	v, ok := h.raw(key)
	if !ok {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetInt coerces numeric and numeric-string values; def otherwise.
func (h *Hub) GetInt(key string, def int) int {
	v, ok := h.raw(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed
		}
	}
	return def
}

// GetFloat coerces numeric and numeric-string values; def otherwise.
func (h *Hub) GetFloat(key string, def float64) float64 {
	v, ok := h.raw(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return parsed
		}
	}
	return def
}

// GetBool accepts bools and the usual string spellings; def otherwise.
func (h *Hub) GetBool(key string, def bool) bool {
	v, ok := h.raw(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}

// GetTable returns the rows stored under key; nil when the key is missing
// or not tabular.
func (h *Hub) GetTable(key string) []map[string]interface{} {
	v, ok := h.raw(key)
	if !ok {
		return nil
	}
	switch rows := v.(type) {
	case []map[string]interface{}:
		return rows
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			if m, ok := normalizeMap(r); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// normalizeMap converts yaml's map[interface{}]interface{} rows.
func normalizeMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}

// YAMLFileSource reads a snapshot from a local yaml file.
type YAMLFileSource struct {
	Path string
}

func (s YAMLFileSource) Name() string { return "yaml:" + s.Path }

func (s YAMLFileSource) Fetch(_ context.Context) (map[string]interface{}, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return parseSnapshot(data)
}

// HTTPSource fetches a yaml snapshot from a remote endpoint.
type HTTPSource struct {
	URL    string
	Token  string
	Client *http.Client
}

func (s HTTPSource) Name() string { return "http:" + s.URL }

func (s HTTPSource) Fetch(ctx context.Context) (map[string]interface{}, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", s.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseSnapshot(data)
}

func parseSnapshot(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		// yaml.v2 decodes nested maps with interface{} keys.
		var loose map[interface{}]interface{}
		if err2 := yaml.Unmarshal(data, &loose); err2 != nil {
			return nil, fmt.Errorf("parse snapshot: %w", err)
		}
		raw = make(map[string]interface{}, len(loose))
		for k, v := range loose {
			raw[fmt.Sprintf("%v", k)] = v
		}
	}
	return raw, nil
}
