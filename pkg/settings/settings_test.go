package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultSettings()
	if s != want {
		t.Errorf("Load = %+v, want defaults %+v", s, want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	in := UserSettings{
		DisplayName: "Sam",
		Room:        "garden",
		RedisAddr:   "redis.local:6379",
		STUNServer:  "stun:stun.example.com:3478",
	}
	if err := Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out != in {
		t.Errorf("Load = %+v, want %+v", out, in)
	}
}

func TestLoadFillsEmptyFields(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Save(UserSettings{DisplayName: "Sam"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.RedisAddr != DefaultSettings().RedisAddr {
		t.Errorf("RedisAddr = %q, want default", s.RedisAddr)
	}
	if s.STUNServer != DefaultSettings().STUNServer {
		t.Errorf("STUNServer = %q, want default", s.STUNServer)
	}
	if s.DisplayName != "Sam" {
		t.Errorf("DisplayName = %q, want Sam", s.DisplayName)
	}
}

func TestLoadToleratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "roomcast")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != DefaultSettings() {
		t.Errorf("Load = %+v, want defaults", s)
	}
}
