package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultConfig is the file written by --regenerate and
// --generate-if-missing. It shows one cache middleware and one identity
// middleware plus the credential tables. It does not set maxEntrySize or any
// per-operation ttl/tti.
const defaultConfig = `logLevel = "info"

[server]
type = "s3"
host = "127.0.0.1"
port = 4356
# baseDomain = "s3.example.com"
validateCredentials = false

[server.credentials]
accessKeyId = ""
secretKey = ""

[[middlewares]]
type = "cache"
cacheSize = "50 MB"
# ttl / tti are milliseconds
# ttl = 60000
# tti = 30000

[middlewares.ops.GetObject]
enabled = true

[middlewares.ops.ListObjectsV2]
enabled = true

[[middlewares]]
type = "identity"

[client]
type = "s3"
endpointUrl = "http://localhost:9000"
forcePathStyle = true
enableHttp2 = false
insecure = false
region = "us-east-1"
connectTimeout = 3000
readTimeout = 10000
operationTimeout = 30000
operationAttemptTimeout = 10000
maxRetryAttempts = 3

[client.credentials]
accessKeyId = ""
secretKey = ""

[webhook]
host = "127.0.0.1"
port = 4357
`

// Generate writes the default configuration to path. An existing file is
// only replaced when force is set. If path is a directory, config.toml is
// created inside it.
func Generate(path string, force bool) (string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.toml")
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return path, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// GenerateIfMissing writes the default configuration only when no file
// exists at path yet. It reports whether a file was written.
func GenerateIfMissing(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	_, err := Generate(path, false)
	return err == nil, err
}
