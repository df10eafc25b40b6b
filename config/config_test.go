package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGenerateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := Generate(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4356 || cfg.Webhook.Port != 4357 {
		t.Fatalf("ports %d/%d", cfg.Server.Port, cfg.Webhook.Port)
	}
	if len(cfg.Middlewares) != 2 || cfg.Middlewares[0].Type != "cache" || cfg.Middlewares[1].Type != "identity" {
		t.Fatalf("middlewares %+v", cfg.Middlewares)
	}
	size, err := cfg.Middlewares[0].CacheSizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size != 50_000_000 {
		t.Fatalf("cache size %d", size)
	}
	if !cfg.Client.ForcePathStyle {
		t.Fatal("forcePathStyle not read")
	}
}

func TestGenerateRefusesToOverwrite(t *testing.T) {
	path := writeConfig(t, "logLevel = \"info\"\n")
	if _, err := Generate(path, false); err == nil {
		t.Fatal("existing file overwritten without force")
	}
	if _, err := Generate(path, true); err != nil {
		t.Fatalf("force overwrite failed: %v", err)
	}
}

func TestGenerateIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	written, err := GenerateIfMissing(path)
	if err != nil || !written {
		t.Fatalf("written=%v err=%v", written, err)
	}
	written, err = GenerateIfMissing(path)
	if err != nil || written {
		t.Fatalf("second call written=%v err=%v", written, err)
	}
}

func TestLoadPerOpSettings(t *testing.T) {
	path := writeConfig(t, `
logLevel = "debug"

[server]
port = 9000
validateCredentials = true

[server.credentials]
accessKeyId = "local"
secretKey = "secret"

[[middlewares]]
type = "cache"
cacheSize = "1 MB"
ttl = 60000

[middlewares.ops.GetObject]
enabled = true
ttl = 1000
tti = 500

[middlewares.ops.ListObjects]
enabled = false

[client]
endpointUrl = "http://upstream:9000"
maxRetryAttempts = 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if level, _ := cfg.Level(); level != zerolog.DebugLevel {
		t.Fatalf("level %v", level)
	}
	mw := cfg.Middlewares[0]
	size, _ := mw.CacheSizeBytes()
	if size != 1_000_000 {
		t.Fatalf("size %d", size)
	}
	if Millis(mw.TTL) != time.Minute {
		t.Fatalf("ttl %v", Millis(mw.TTL))
	}
	// viper lowercases table keys
	get, ok := mw.Ops["getobject"]
	if !ok || get.Enabled == nil || !*get.Enabled || get.TTL != 1000 || get.TTI != 500 {
		t.Fatalf("GetObject op config %+v", get)
	}
	lo, ok := mw.Ops["listobjects"]
	if !ok || lo.Enabled == nil || *lo.Enabled {
		t.Fatalf("ListObjects op config %+v", lo)
	}
	if cfg.Client.MaxRetryAttempts != 5 {
		t.Fatalf("retries %d", cfg.Client.MaxRetryAttempts)
	}
}

func TestValidateCredentialRequirement(t *testing.T) {
	path := writeConfig(t, `
[server]
validateCredentials = true

[client]
endpointUrl = "http://upstream:9000"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("validateCredentials without credentials accepted")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	path := writeConfig(t, `
logLevel = "loud"

[client]
endpointUrl = "http://upstream:9000"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown log level accepted")
	}
}

func TestValidateRejectsUnknownMiddlewareType(t *testing.T) {
	path := writeConfig(t, `
[[middlewares]]
type = "teleport"

[client]
endpointUrl = "http://upstream:9000"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown middleware type accepted")
	}
}
