package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cryptex/pkg/domain"
	"cryptex/pkg/kms"
	"cryptex/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string
	PublicURL   string

	DataDir        string
	DatabasePath   string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	RedisURL      string
	RedisTLS      bool
	RedisHostname string
	RedisCACert   string
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	Blob BlobCfg
	KMS  kms.Options

	KDF               KDFCfg
	HasherWorkerCount int
	AuthMinDuration   time.Duration

	Pepper               Secret
	PepperFromKMS        bool
	SessionSecret        Secret
	SessionSecretFromKMS bool
	AdminPasswordHash    Secret
	AdminSessionTTL      time.Duration
	CookieSecure         bool

	// Settings holds the runtime-editable defaults. SettingsOverrides marks
	// fields whose env var was explicitly changed; those win over values
	// persisted through the admin API.
	Settings          domain.Settings
	SettingsOverrides map[string]bool

	MaxPartSize           int64
	MaxUploadParts        int
	UploadSessionTTL      time.Duration
	AutodestroyGrace      time.Duration
	DownloadTokenTTL      time.Duration
	DownloadTokenMultiUse bool
	ReaperInterval        time.Duration

	RateLimit      RateLimitCfg
	TrustedProxies []string
	AllowedOrigins []string

	ContextTimeout  time.Duration
	TransferTimeout time.Duration
	BlobTimeout     time.Duration

	MetricsUser string
	MetricsPass Secret

	APIKeyCacheSize        int
	APIKeyCacheTTL         time.Duration
	KeyCacheSize           int
	KEKCacheTTL            time.Duration
	IPHashRotationInterval time.Duration
}

type KDFCfg struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
}

type BlobCfg struct {
	Backend     string
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey Secret
	S3PathStyle bool
}

type RateLimitCfg struct {
	RPM         int
	Window      time.Duration
	GlobalRPS   float64
	GlobalBurst int
}

// built-in settings defaults; an env var equal to these is not an override
var settingsDefaults = map[string]string{
	"MODE":               domain.ModePublic,
	"MAX_MESSAGE_LENGTH": "1000",
	"MAX_FILE_COUNT":     "3",
	"MAX_FILE_SIZE":      "100mb",
	"MAX_EXPIRATION":     "1d",
}

// Load reads the environment, after merging a .env file when present.
// Variables already set in the process environment take precedence.
func Load() (*Cfg, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}

	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.PublicURL = strings.TrimRight(getEnv("PUBLIC_URL", ""), "/")

	c.DataDir = getEnv("DATA_DIR", "data")
	c.DatabasePath = getEnv("DATABASE_PATH", filepath.Join(c.DataDir, "cryptex.db"))
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 32); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 8); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS", false)
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_CA_CERT", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	c.Blob.Backend = getEnv("BLOB_BACKEND", "fs")
	c.Blob.Dir = getEnv("BLOB_DIR", filepath.Join(c.DataDir, "files"))
	c.Blob.S3Bucket = getEnv("S3_BUCKET", "")
	c.Blob.S3Region = getEnv("S3_REGION", "us-east-1")
	c.Blob.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.Blob.S3AccessKey = getEnv("S3_ACCESS_KEY", "")
	c.Blob.S3SecretKey = NewSecret(getEnv("S3_SECRET_KEY", ""))
	c.Blob.S3PathStyle = getBool("S3_PATH_STYLE", false)

	c.KMS = kms.Options{
		VaultAddr:       getEnv("VAULT_ADDR", ""),
		VaultToken:      getEnv("VAULT_TOKEN", ""),
		VaultTokenFile:  getEnv("VAULT_TOKEN_FILE", ""),
		VaultMount:      getEnv("VAULT_TRANSIT_MOUNT", ""),
		VaultKeyID:      getEnv("VAULT_KEY_ID", ""),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", ""),
		AWSRegion:       getEnv("AWS_KMS_REGION", ""),
		AWSKeyID:        getEnv("AWS_KMS_KEY_ID", ""),
		AWSEndpoint:     getEnv("AWS_KMS_ENDPOINT", ""),
		LocalKey:        getEnv("KMS_LOCAL_KEY", ""),
		RequirePrimary:  getBool("KMS_REQUIRE_PRIMARY", false),
		FailClosed:      getBool("KMS_FAIL_CLOSED", true),
	}
	if c.KMS.Timeout, err = getDuration("KMS_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if c.KDF.Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.KDF.Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.KDF.Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if c.AuthMinDuration, err = getDuration("AUTH_MIN_DURATION", 250*time.Millisecond); err != nil {
		return nil, err
	}

	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS", false)
	c.SessionSecret = NewSecret(getEnv("SESSION_SECRET", ""))
	c.SessionSecretFromKMS = getBool("SESSION_SECRET_FROM_KMS", false)
	c.AdminPasswordHash = NewSecret(getEnv("ADMIN_PASSWORD_HASH", ""))
	if c.AdminSessionTTL, err = getDuration("ADMIN_SESSION_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	c.CookieSecure = getBool("COOKIE_SECURE", c.Environment == "production")

	if err := c.loadSettings(); err != nil {
		return nil, err
	}

	if c.MaxPartSize, err = getSize("MAX_PART_SIZE", 10*1024*1024); err != nil {
		return nil, err
	}
	if c.MaxUploadParts, err = getInt("MAX_UPLOAD_PARTS", 10000); err != nil {
		return nil, err
	}
	if c.UploadSessionTTL, err = getDuration("UPLOAD_SESSION_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.AutodestroyGrace, err = getDuration("AUTODESTROY_GRACE", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.DownloadTokenTTL, err = getDuration("DOWNLOAD_TOKEN_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	c.DownloadTokenMultiUse = getBool("DOWNLOAD_TOKEN_MULTI_USE", false)
	if c.ReaperInterval, err = getDuration("REAPER_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 30); err != nil {
		return nil, err
	}
	if c.RateLimit.Window, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if c.RateLimit.GlobalRPS, err = getFloat("RATE_LIMIT_GLOBAL_RPS", 200); err != nil {
		return nil, err
	}
	if c.RateLimit.GlobalBurst, err = getInt("RATE_LIMIT_GLOBAL_BURST", 400); err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})

	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if c.TransferTimeout, err = getDuration("TRANSFER_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.BlobTimeout, err = getDuration("BLOB_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))

	if c.APIKeyCacheSize, err = getInt("API_KEY_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.APIKeyCacheTTL, err = getDuration("API_KEY_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if c.KeyCacheSize, err = getInt("KEY_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}
	if c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cfg) loadSettings() error {
	c.SettingsOverrides = make(map[string]bool)
	for key, def := range settingsDefaults {
		if v, ok := os.LookupEnv(key); ok && v != def {
			c.SettingsOverrides[key] = true
		}
	}
	var err error
	c.Settings.Mode = getEnv("MODE", settingsDefaults["MODE"])
	if c.Settings.MaxMessageLength, err = getInt("MAX_MESSAGE_LENGTH", 1000); err != nil {
		return err
	}
	if c.Settings.MaxFileCount, err = getInt("MAX_FILE_COUNT", 3); err != nil {
		return err
	}
	if c.Settings.MaxFileSize, err = getSize("MAX_FILE_SIZE", 100*1024*1024); err != nil {
		return err
	}
	if c.Settings.MaxExpiration, err = getRetention("MAX_EXPIRATION", 24*time.Hour); err != nil {
		return err
	}
	return nil
}

// ValidateSettings checks runtime-editable limits; the admin API uses it too.
func ValidateSettings(s domain.Settings) error {
	if s.Mode != domain.ModePublic && s.Mode != domain.ModePrivate {
		return domain.Validation("mode must be %q or %q", domain.ModePublic, domain.ModePrivate)
	}
	if s.MaxMessageLength < 1 || s.MaxMessageLength > 10*1024*1024 {
		return domain.Validation("max_message_length must be between 1 and 10485760")
	}
	if s.MaxFileCount < 0 || s.MaxFileCount > 100 {
		return domain.Validation("max_file_count must be between 0 and 100")
	}
	if s.MaxFileSize < 1 {
		return domain.Validation("max_file_size must be positive")
	}
	if s.MaxExpiration < time.Minute || s.MaxExpiration > 365*24*time.Hour {
		return domain.Validation("max_expiration must be between 1m and 365d")
	}
	return nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("PUBLIC_URL must be an absolute URL")
		}
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DataDir == "" {
		return errors.New("DATA_DIR is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Dir == "" {
			return errors.New("BLOB_DIR is required for the fs backend")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 backend")
		}
		if (c.Blob.S3AccessKey == "") != (c.Blob.S3SecretKey.Value() == "") {
			return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.Blob.Backend)
	}

	if c.KDF.Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.KDF.Memory < 19*1024 {
		return errors.New("ARGON2_MEMORY must be >= 19456 (19MB)")
	}
	if c.KDF.Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.HasherWorkerCount < 1 {
		return errors.New("HASHER_WORKER_COUNT must be positive")
	}
	if c.AuthMinDuration < 0 || c.AuthMinDuration > 5*time.Second {
		return errors.New("AUTH_MIN_DURATION must be between 0 and 5s")
	}

	if err := ValidateSettings(c.Settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if c.MaxPartSize < 1024 || c.MaxPartSize > c.Settings.MaxFileSize {
		return errors.New("MAX_PART_SIZE must be between 1kb and MAX_FILE_SIZE")
	}
	if c.MaxUploadParts < 1 || c.MaxUploadParts > 10000 {
		return errors.New("MAX_UPLOAD_PARTS must be between 1 and 10000")
	}
	if c.UploadSessionTTL < time.Minute {
		return errors.New("UPLOAD_SESSION_TTL must be at least 1 minute")
	}
	if c.AutodestroyGrace < time.Minute || c.AutodestroyGrace > 24*time.Hour {
		return errors.New("AUTODESTROY_GRACE must be between 1m and 24h")
	}
	if c.DownloadTokenTTL < 10*time.Second || c.DownloadTokenTTL > time.Hour {
		return errors.New("DOWNLOAD_TOKEN_TTL must be between 10s and 1h")
	}
	if c.ReaperInterval < 10*time.Second {
		return errors.New("REAPER_INTERVAL must be at least 10 seconds")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.RateLimit.GlobalRPS < 0 {
		return errors.New("RATE_LIMIT_GLOBAL_RPS must not be negative")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.KMS.LocalKey != "" && c.KMS.VaultAddr == "" && c.KMS.AWSRegion == "" {
			util.Warn().Msg("production is running on the local KMS key only")
		}
	}
	if !c.PepperFromKMS && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes when PEPPER_FROM_KMS is false")
	}
	if !c.SessionSecretFromKMS && len(c.SessionSecret.Value()) < 32 {
		return errors.New("SESSION_SECRET must be at least 32 bytes when SESSION_SECRET_FROM_KMS is false")
	}
	if h := c.AdminPasswordHash.Value(); h != "" && !strings.HasPrefix(h, "$argon2id$") {
		return errors.New("ADMIN_PASSWORD_HASH must be an argon2id hash (see `cryptex hash-password`)")
	}
	if c.AdminSessionTTL < time.Minute || c.AdminSessionTTL > 24*time.Hour {
		return errors.New("ADMIN_SESSION_TTL must be between 1m and 24h")
	}

	if c.APIKeyCacheSize <= 0 {
		return errors.New("API_KEY_CACHE_SIZE must be positive")
	}
	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.KEKCacheTTL < time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.SessionSecret.Wipe()
	c.AdminPasswordHash.Wipe()
	c.Blob.S3SecretKey.Wipe()
}

// StagingDir is where upload parts wait for completion.
func (c *Cfg) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}

// getRetention accepts the short forms used for retention ("1d", "30m",
// plain seconds).
func getRetention(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := util.ParseRetention(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSize(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := util.ParseSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
