package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseBytesStrictJSON(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("config.json", []byte(`{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"scheduler": {"timezone": "UTC"},
		"storage": {"driver": "file", "path": "./state"}
	}`))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage section lost: %+v", cfg.Storage)
	}

	if _, err := ParseBytes("config.json", []byte(`{"loging": {}}`)); err == nil {
		t.Fatal("unknown key accepted")
	}
	if _, err := ParseBytes("config.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("config.yaml", []byte(`
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./noticore.log
scheduler:
  timezone: Asia/Jakarta
dispatch:
  workers: 3
  retry_base: 100ms
`))
	if err != nil {
		t.Fatalf("ParseBytes yaml: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Scheduler.Timezone != "Asia/Jakarta" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Dispatch == nil || cfg.Dispatch.Workers != 3 {
		t.Fatalf("dispatch section lost: %+v", cfg.Dispatch)
	}

	if _, err := ParseBytes("config.yaml", []byte("logging:\n  levle: info\n")); err == nil {
		t.Fatal("unknown yaml key accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{"bad storage driver", `{"storage": {"driver": "bolt", "path": "x"}}`},
		{"bad busy timeout", `{"storage": {"driver": "sqlite", "path": "x", "busy_timeout": "soon"}}`},
		{"bad retention", `{"registry": {"retention": "five minutes"}}`},
		{"bad interval", `{"registry": {"intervals": ["5m", "nope"]}}`},
		{"negative workers", `{"dispatch": {"workers": -1}}`},
		{"bad retry base", `{"dispatch": {"retry_base": "-3s"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBytes("config.json", []byte(tt.raw)); err == nil {
				t.Fatalf("accepted: %s", tt.raw)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "  10s "); err != nil || d != 10*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestManagerLoadAndCommit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "scheduler": {}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}

	// Identical content hashes equal; a change does not.
	if hashConfig(cfg) != hashConfig(cfg) {
		t.Fatal("hash not stable")
	}
	cp := *cfg
	cp.Logging.Level = "debug"
	if hashConfig(cfg) == hashConfig(&cp) {
		t.Fatal("hash blind to changes")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")

	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("nothing delivered")
	}

	// A full buffer keeps the newest config.
	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second)
	got := <-ch
	if got != second {
		t.Fatal("stale config retained over newest")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}
