package confighub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

type staticSource struct {
	values map[string]interface{}
	err    error
}

func (s *staticSource) Name() string { return "static" }
func (s *staticSource) Fetch(context.Context) (map[string]interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.values, nil
}

func TestTypedGetters(t *testing.T) {
	hub := New(&staticSource{values: map[string]interface{}{
		"greeting":     "hola",
		"max_workers":  5,
		"workers_str":  "7",
		"ratio":        0.25,
		"enabled":      true,
		"enabled_str":  "yes",
		"disabled_str": "off",
		"not_a_number": "abc",
	}}, nil)
	if err := hub.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := hub.GetString("greeting", "x"); got != "hola" {
		t.Errorf("GetString = %q", got)
	}
	if got := hub.GetString("missing", "fallback"); got != "fallback" {
		t.Errorf("GetString default = %q", got)
	}
	if got := hub.GetInt("max_workers", 0); got != 5 {
		t.Errorf("GetInt = %d", got)
	}
	if got := hub.GetInt("workers_str", 0); got != 7 {
		t.Errorf("GetInt string coercion = %d", got)
	}
	if got := hub.GetInt("not_a_number", 9); got != 9 {
		t.Errorf("GetInt bad value = %d, want default", got)
	}
	if got := hub.GetFloat("ratio", 0); got != 0.25 {
		t.Errorf("GetFloat = %v", got)
	}
	if got := hub.GetBool("enabled", false); !got {
		t.Error("GetBool bool failed")
	}
	if got := hub.GetBool("enabled_str", false); !got {
		t.Error("GetBool 'yes' failed")
	}
	if got := hub.GetBool("disabled_str", true); got {
		t.Error("GetBool 'off' failed")
	}
}

func TestGetTable_NormalizesYAMLRows(t *testing.T) {
	hub := New(&staticSource{values: map[string]interface{}{
		"shelf_life": []interface{}{
			map[interface{}]interface{}{"match": "rosca", "days": 1},
			map[string]interface{}{"match": "concha", "days": 2},
		},
		"scalar": "x",
	}}, nil)
	if err := hub.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := hub.GetTable("shelf_life")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["match"] != "rosca" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if hub.GetTable("scalar") != nil {
		t.Error("scalar value should not become a table")
	}
	if hub.GetTable("missing") != nil {
		t.Error("missing key should return nil")
	}
}

func TestRefresh_KeepsLastGoodOnError(t *testing.T) {
	src := &staticSource{values: map[string]interface{}{"key": "v1"}}
	hub := New(src, nil)
	if err := hub.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.err = os.ErrDeadlineExceeded
	if err := hub.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if got := hub.GetString("key", ""); got != "v1" {
		t.Errorf("last-good snapshot lost: %q", got)
	}
}

func TestYAMLFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	content := `greeting: hola
limits:
  - name: rate
    value: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	hub := New(YAMLFileSource{Path: path}, nil)
	if err := hub.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := hub.GetString("greeting", ""); got != "hola" {
		t.Errorf("greeting = %q", got)
	}
	rows := hub.GetTable("limits")
	if len(rows) != 1 || rows[0]["name"] != "rate" {
		t.Errorf("limits = %v", rows)
	}
}

func TestHTTPSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("max_workers: 8\n"))
	}))
	defer srv.Close()

	hub := New(HTTPSource{URL: srv.URL, Token: "tok"}, nil)
	if err := hub.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := hub.GetInt("max_workers", 0); got != 8 {
		t.Errorf("max_workers = %d", got)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d", hits.Load())
	}
}

func TestHTTPSource_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hub := New(HTTPSource{URL: srv.URL}, nil)
	if err := hub.Refresh(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}
