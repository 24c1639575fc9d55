package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cryptex/pkg/domain"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PEPPER", strings.Repeat("p", 32))
	t.Setenv("SESSION_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.Settings.MaxFileSize != 100*1024*1024 {
		t.Errorf("max file size = %d", c.Settings.MaxFileSize)
	}
	if c.Settings.MaxExpiration != 24*time.Hour {
		t.Errorf("max expiration = %v", c.Settings.MaxExpiration)
	}
	if c.DownloadTokenTTL != time.Minute || c.DownloadTokenMultiUse {
		t.Errorf("unexpected token defaults: %v %v", c.DownloadTokenTTL, c.DownloadTokenMultiUse)
	}
	if len(c.SettingsOverrides) != 0 {
		t.Errorf("no overrides expected, got %v", c.SettingsOverrides)
	}
	if c.StagingDir() != filepath.Join("data", "staging") {
		t.Errorf("staging dir = %s", c.StagingDir())
	}
}

func TestLoadOverridesAndUnits(t *testing.T) {
	baseEnv(t)
	t.Setenv("MAX_FILE_SIZE", "2.5mb")
	t.Setenv("MAX_EXPIRATION", "7d")
	t.Setenv("MAX_FILE_COUNT", "3")
	t.Setenv("MODE", "private")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Settings.MaxFileSize != int64(2.5*1024*1024) {
		t.Errorf("size = %d", c.Settings.MaxFileSize)
	}
	if c.Settings.MaxExpiration != 7*24*time.Hour {
		t.Errorf("expiration = %v", c.Settings.MaxExpiration)
	}
	for _, k := range []string{"MAX_FILE_SIZE", "MAX_EXPIRATION", "MODE"} {
		if !c.SettingsOverrides[k] {
			t.Errorf("%s should be an override", k)
		}
	}
	if c.SettingsOverrides["MAX_FILE_COUNT"] {
		t.Error("value equal to the built-in default is not an override")
	}
}

func TestLoadDotEnv(t *testing.T) {
	baseEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("REAPER_INTERVAL=30s\nPORT=9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("PORT", "7000")
	t.Cleanup(func() { os.Unsetenv("REAPER_INTERVAL") })
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.ReaperInterval != 30*time.Second {
		t.Errorf("reaper interval = %v", c.ReaperInterval)
	}
	if c.Port != "7000" {
		t.Errorf("process env must win over .env, got %s", c.Port)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"RATE_LIMIT_RPM":     "lots",
		"UPLOAD_SESSION_TTL": "soon",
		"MAX_FILE_SIZE":      "big",
		"MAX_EXPIRATION":     "forever",
		"ARGON2_PARALLELISM": "300",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			baseEnv(t)
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Cfg)
		wantErr string
	}{
		{"short pepper", func(c *Cfg) { c.Pepper = NewSecret("short") }, "PEPPER"},
		{"pepper from kms", func(c *Cfg) { c.Pepper = NewSecret(""); c.PepperFromKMS = true }, ""},
		{"short session secret", func(c *Cfg) { c.SessionSecret = NewSecret("x") }, "SESSION_SECRET"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"nope"} }, "TRUSTED_PROXIES"},
		{"bad redis", func(c *Cfg) { c.RedisURL = "http://x" }, "REDIS_URL"},
		{"s3 without bucket", func(c *Cfg) { c.Blob.Backend = "s3" }, "S3_BUCKET"},
		{"unknown backend", func(c *Cfg) { c.Blob.Backend = "tape" }, "BLOB_BACKEND"},
		{"bad mode", func(c *Cfg) { c.Settings.Mode = "open" }, "mode"},
		{"bad admin hash", func(c *Cfg) { c.AdminPasswordHash = NewSecret("sha256:abc") }, "ADMIN_PASSWORD_HASH"},
		{"production metrics", func(c *Cfg) { c.Environment = "production" }, "METRICS_USER"},
		{"part larger than file", func(c *Cfg) { c.MaxPartSize = c.Settings.MaxFileSize + 1 }, "MAX_PART_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseEnv(t)
			c, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(c)
			err = Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v should mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSettings(t *testing.T) {
	ok := domain.Settings{Mode: domain.ModePublic, MaxMessageLength: 1000, MaxFileCount: 3,
		MaxFileSize: 1 << 20, MaxExpiration: time.Hour}
	if err := ValidateSettings(ok); err != nil {
		t.Fatal(err)
	}
	bad := ok
	bad.MaxExpiration = time.Second
	if err := ValidateSettings(bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSecretRedacted(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Fatal("secret leaked through String")
	}
	s.Wipe()
	if s.Value() == "hunter2" {
		t.Fatal("wipe did not clear the secret")
	}
}
