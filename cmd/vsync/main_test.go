package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

func TestParseDate(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", "2024-03-01T08:30:00Z", time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)},
		{"plain date", "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDate(tt.input, now)
			if err != nil {
				t.Fatalf("parseDate() failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseDate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	t.Run("natural language", func(t *testing.T) {
		got, err := parseDate("yesterday", now)
		if err != nil {
			t.Fatalf("parseDate() failed: %v", err)
		}
		if !got.Before(now) || got.Before(now.Add(-48*time.Hour)) {
			t.Errorf("parseDate(yesterday) = %v, want within the day before %v", got, now)
		}
	})

	for _, bad := range []string{"", "   ", "qwertyuiop"} {
		if _, err := parseDate(bad, now); err == nil {
			t.Errorf("parseDate(%q) should fail", bad)
		}
	}
}

func TestFilterSince(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var keys []item.ViewKey
	// newest first, the order views hold them in
	for i := 5; i >= 1; i-- {
		keys = append(keys, item.NewViewKey(item.Key{ID: string(rune('a' + i)), Version: "1"}, base.AddDate(0, 0, i)))
	}

	if got := filterSince(keys, time.Time{}, 0); len(got) != 5 {
		t.Errorf("no filter kept %d keys, want 5", len(got))
	}
	if got := filterSince(keys, base.AddDate(0, 0, 3), 0); len(got) != 3 {
		t.Errorf("since day 3 kept %d keys, want 3", len(got))
	}
	got := filterSince(keys, time.Time{}, 2)
	if len(got) != 2 || got[0].Key.ID != keys[0].Key.ID {
		t.Errorf("limit 2 kept %v", got)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vsync.toml")

	s := defaultSettings()
	s.DataDir = filepath.Join(dir, "data")
	s.Record = "alice"
	s.Backend = "sqlite"
	s.Daemon.Interval = "1m"
	if err := writeSettings(path, s, false); err != nil {
		t.Fatalf("writeSettings() failed: %v", err)
	}
	if err := writeSettings(path, s, false); err == nil {
		t.Error("writeSettings() should refuse to overwrite without force")
	}
	if err := writeSettings(path, s, true); err != nil {
		t.Fatalf("writeSettings(force) failed: %v", err)
	}

	t.Setenv("VSYNC_BACKEND", "bolt")
	t.Setenv("VSYNC_LOG_LEVEL", "debug")

	got, err := loadSettings(path)
	if err != nil {
		t.Fatalf("loadSettings() failed: %v", err)
	}
	if got.Record != "alice" {
		t.Errorf("Record = %q, want alice", got.Record)
	}
	if got.Backend != "bolt" {
		t.Errorf("Backend = %q, want the environment override bolt", got.Backend)
	}
	if got.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", got.Log.Level)
	}
	if got.Daemon.Interval != "1m" {
		t.Errorf("Daemon.Interval = %q, want 1m", got.Daemon.Interval)
	}
	if got.ItemCacheSize != s.ItemCacheSize {
		t.Errorf("ItemCacheSize = %d, want %d", got.ItemCacheSize, s.ItemCacheSize)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	if _, err := loadSettings(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("loadSettings() should fail for an explicit missing file")
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"backend", func(s *Settings) { s.Backend = "floppy" }},
		{"record", func(s *Settings) { s.Record = "" }},
		{"data dir", func(s *Settings) { s.DataDir = "" }},
		{"interval", func(s *Settings) { s.Daemon.Interval = "soon" }},
		{"debounce", func(s *Settings) { s.Daemon.Debounce = "5 parsecs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			tt.modify(s)
			if err := s.validate(); err == nil {
				t.Error("validate() should fail")
			}
		})
	}
	if err := defaultSettings().validate(); err != nil {
		t.Errorf("defaultSettings() invalid: %v", err)
	}
}

func TestDaemonDurations(t *testing.T) {
	interval, debounce, poll, err := defaultSettings().Daemon.durations()
	if err != nil {
		t.Fatalf("durations() failed: %v", err)
	}
	if interval != 5*time.Minute || debounce != 500*time.Millisecond || poll != 10*time.Second {
		t.Errorf("durations() = %v %v %v", interval, debounce, poll)
	}

	d := DaemonSettings{Interval: "30s"}
	interval, debounce, _, err = d.durations()
	if err != nil {
		t.Fatalf("durations() failed: %v", err)
	}
	if interval != 30*time.Second || debounce != 0 {
		t.Errorf("durations() = %v %v, want 30s and 0", interval, debounce)
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	log, err := newLogger(LogSettings{Level: "info", File: filepath.Join(dir, "logs", "vsync.log"), MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("newLogger() failed: %v", err)
	}
	log.Info("hello")
	_ = log.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "vsync.log"))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %q, want a JSON hello entry", data)
	}

	if _, err := newLogger(LogSettings{Level: "loud"}); err == nil {
		t.Error("newLogger() should reject an unknown level")
	}
}

func TestSummarize(t *testing.T) {
	list := []*changes.Change{
		{TypeID: "weight", Key: item.Key{ID: "a"}},
		{TypeID: "weight", Key: item.Key{ID: "b"}, Attempt: 2},
		{TypeID: "note", Key: item.Key{ID: "c"}},
	}
	pending, retries := summarize(list)
	if pending["weight"] != 2 || pending["note"] != 1 {
		t.Errorf("pending = %v", pending)
	}
	if retries != 1 {
		t.Errorf("retries = %d, want 1", retries)
	}

	out := statusSummary{Record: "r", Online: false, Pending: pending, Retries: retries}.render()
	for _, want := range []string{"offline", "weight", "note", "retried"} {
		if !strings.Contains(out, want) {
			t.Errorf("render() missing %q:\n%s", want, out)
		}
	}
}

func TestWriteChanges(t *testing.T) {
	list := []*changes.Change{{
		ChangeID:  "c1",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
		Type:      changes.Put,
		TypeID:    "weight",
		Key:       item.Key{ID: "item-1", Version: "v1"},
		Attempt:   1,
	}}

	var buf bytes.Buffer
	if err := writeChanges(&buf, list, "json"); err != nil {
		t.Fatalf("writeChanges(json) failed: %v", err)
	}
	var rows []changeRow
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if len(rows) != 1 || rows[0].ItemID != "item-1" || rows[0].Kind != "put" || rows[0].Attempts != 1 {
		t.Errorf("rows = %+v", rows)
	}

	buf.Reset()
	if err := writeChanges(&buf, list, "yaml"); err != nil {
		t.Fatalf("writeChanges(yaml) failed: %v", err)
	}
	if !strings.Contains(buf.String(), "item_id: item-1") {
		t.Errorf("yaml output = %q", buf.String())
	}

	buf.Reset()
	if err := writeChanges(&buf, list, "table"); err != nil {
		t.Fatalf("writeChanges(table) failed: %v", err)
	}
	if !strings.Contains(buf.String(), "weight") {
		t.Errorf("table output = %q", buf.String())
	}

	if err := writeChanges(&buf, list, "xml"); err == nil {
		t.Error("writeChanges() should reject an unknown format")
	}
}

func TestOpenEnv(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		backend string
		encrypt bool
	}{
		{"memory", false},
		{"folder", false},
		{"sqlite", false},
		{"bolt", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			s := defaultSettings()
			s.DataDir = filepath.Join(dir, tt.backend)
			s.Service = filepath.Join(dir, tt.backend, "service.db")
			s.Backend = tt.backend
			s.Encrypt = tt.encrypt
			if tt.encrypt {
				t.Setenv(passphraseEnv, "correct horse")
			}

			e, err := openEnv(ctx, s, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("openEnv() failed: %v", err)
			}
			defer e.Close()

			typ, err := e.record.Types().Get(ctx, "weight")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			defer e.record.Types().Release(typ)

			it := &item.Item{TypeID: "weight", Data: json.RawMessage(`{"kg":70}`)}
			if err := typ.AddNew(ctx, it); err != nil {
				t.Fatalf("AddNew() failed: %v", err)
			}
			if err := e.record.CommitChanges(ctx); err != nil {
				t.Fatalf("CommitChanges() failed: %v", err)
			}
			pending, err := e.record.HasChanges(ctx)
			if err != nil {
				t.Fatalf("HasChanges() failed: %v", err)
			}
			if pending {
				t.Error("change still pending after commit")
			}

			st, err := collectStatus(ctx, e)
			if err != nil {
				t.Fatalf("collectStatus() failed: %v", err)
			}
			if !st.Online || len(st.Pending) != 0 {
				t.Errorf("status = %+v", st)
			}
			if tt.backend == "folder" && e.folderRoot() == "" {
				t.Error("folderRoot() empty for the folder backend")
			}
		})
	}
}

func TestReadSaltStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), saltFile)
	first, err := readSalt(path)
	if err != nil {
		t.Fatalf("readSalt() failed: %v", err)
	}
	second, err := readSalt(path)
	if err != nil {
		t.Fatalf("readSalt() failed: %v", err)
	}
	if !bytes.Equal(first, second) || len(first) != 16 {
		t.Errorf("salt changed between reads: %x vs %x", first, second)
	}
}
