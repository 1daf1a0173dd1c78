package confloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Cluster struct {
		RaftAddr  string   `koanf:"raft_addr"`
		Bootstrap bool     `koanf:"bootstrap"`
		Seeds     []string `koanf:"seeds"`
	} `koanf:"cluster"`
	Mount struct {
		AskTimeout time.Duration `koanf:"ask_timeout"`
	} `koanf:"mount"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topomesh.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoader_Load_Priority(t *testing.T) {
	path := writeConfig(t, `
cluster:
  raft_addr: "10.0.0.1:7000"
  seeds: ["10.0.0.2:7946"]
mount:
  ask_timeout: 2s
log:
  level: debug
`)
	t.Setenv("TOPOMESH_CLUSTER_RAFT_ADDR", "10.0.0.9:7000")
	t.Setenv("TOPOMESH_CLUSTER_BOOTSTRAP", "true")

	var cfg testConfig
	cfg.Log.Level = "info"
	cfg.Mount.AskTimeout = 5 * time.Second

	l := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"log.level": "warn"}),
	)
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cluster.RaftAddr != "10.0.0.9:7000" {
		t.Errorf("raft_addr = %q, env should win over file", cfg.Cluster.RaftAddr)
	}
	if !cfg.Cluster.Bootstrap {
		t.Error("bootstrap should be set from env")
	}
	if len(cfg.Cluster.Seeds) != 1 || cfg.Cluster.Seeds[0] != "10.0.0.2:7946" {
		t.Errorf("seeds = %v", cfg.Cluster.Seeds)
	}
	if cfg.Mount.AskTimeout != 2*time.Second {
		t.Errorf("ask_timeout = %v, want 2s", cfg.Mount.AskTimeout)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, override should win", cfg.Log.Level)
	}
}

func TestLoader_DefaultsSurvive(t *testing.T) {
	var cfg testConfig
	cfg.Log.Level = "info"
	cfg.Mount.AskTimeout = 5 * time.Second

	if err := NewLoader(WithEnvPrefix("TOPOMESH_TEST_NONE_")).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Mount.AskTimeout != 5*time.Second {
		t.Errorf("defaults overwritten: %+v", cfg)
	}
}

func TestLoader_LoadFile_NotFound(t *testing.T) {
	var cfg testConfig
	if err := NewLoader(WithConfigFile("/nonexistent/topomesh.yaml")).Load(&cfg); err == nil {
		t.Fatal("Load() with a missing file should fail")
	}
}

func TestLoader_LoadEnv_CustomPrefix(t *testing.T) {
	t.Setenv("EDGE_LOG_LEVEL", "error")

	l := NewLoader(WithEnvPrefix("EDGE_"))
	if err := l.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := l.GetString("log.level"); got != "error" {
		t.Errorf("log.level = %q, want error", got)
	}
}

func TestLoader_LoadMap_Dotted(t *testing.T) {
	l := NewLoader()
	if err := l.LoadMap(map[string]any{"cluster.raft_addr": "127.0.0.1:7000"}); err != nil {
		t.Fatalf("LoadMap() error = %v", err)
	}
	if got := l.GetString("cluster.raft_addr"); got != "127.0.0.1:7000" {
		t.Errorf("cluster.raft_addr = %q", got)
	}
}

func TestLoader_InvalidOverrideKey(t *testing.T) {
	for _, key := range []string{"", ".level", "log.", "log..level"} {
		var cfg testConfig
		l := NewLoader(WithOverrides(map[string]any{key: "x"}))
		if err := l.Load(&cfg); err == nil {
			t.Errorf("Load() with override key %q should fail", key)
		}
	}
}

func TestLoader_OverrideKeyCase(t *testing.T) {
	var cfg testConfig
	l := NewLoader(WithOverrides(map[string]any{" Log.Level ": "error"}))
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("log.level = %q, want error", cfg.Log.Level)
	}
}

func TestLoader_CommaSeparatedLists(t *testing.T) {
	t.Setenv("TOPOMESH_CLUSTER_SEEDS", "10.0.0.2:7946,10.0.0.3:7946")

	var cfg testConfig
	if err := NewLoader().Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"10.0.0.2:7946", "10.0.0.3:7946"}
	if len(cfg.Cluster.Seeds) != 2 || cfg.Cluster.Seeds[0] != want[0] || cfg.Cluster.Seeds[1] != want[1] {
		t.Errorf("seeds from env = %v, want %v", cfg.Cluster.Seeds, want)
	}

	cfg = testConfig{}
	l := NewLoader(WithOverrides(map[string]any{"cluster.seeds": "a:1,b:2", "mount.ask_timeout": "3s"}))
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Cluster.Seeds) != 2 || cfg.Cluster.Seeds[1] != "b:2" {
		t.Errorf("seeds from override = %v", cfg.Cluster.Seeds)
	}
	if cfg.Mount.AskTimeout != 3*time.Second {
		t.Errorf("ask_timeout = %v, want 3s", cfg.Mount.AskTimeout)
	}
}
