package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptex/cfg"
	"cryptex/pkg/kms"
	"cryptex/svc/api"
	"cryptex/svc/auth"
	"cryptex/svc/blob"
	"cryptex/svc/cache"
	"cryptex/svc/crypt"
	"cryptex/svc/db"
	"cryptex/svc/lim"
	"cryptex/svc/svc"
	"cryptex/svc/util"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cfg.Load()
		if err != nil {
			return errors.Wrap(err, "load configuration")
		}
		if err := cfg.Validate(c); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		defer c.Wipe()
		util.InitLog(c.LogLevel, c.Environment == "development")
		util.Info().Str("version", version).Msg("starting cryptex API")
		return serve(c)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadSecret reads a base64 secret from the KMS when fromKMS is set,
// otherwise takes the env value as raw bytes.
func loadSecret(ctx context.Context, a *kms.Adapter, name string, fromKMS bool, env cfg.Secret) ([]byte, error) {
	if fromKMS {
		b64, err := a.GetSecret(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s from KMS", name)
		}
		v, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s format", name)
		}
		return v, nil
	}
	if env.Value() == "" {
		return nil, errors.Errorf("%s must be set when it is not loaded from KMS", name)
	}
	return []byte(env.Value()), nil
}

func openBlobs(ctx context.Context, c *cfg.Cfg) (blob.Store, error) {
	switch c.Blob.Backend {
	case "s3":
		return blob.NewS3(ctx, blob.S3Options{
			Bucket:    c.Blob.S3Bucket,
			Region:    c.Blob.S3Region,
			Endpoint:  c.Blob.S3Endpoint,
			AccessKey: c.Blob.S3AccessKey,
			SecretKey: c.Blob.S3SecretKey.Value(),
			PathStyle: c.Blob.S3PathStyle,
		})
	default:
		return blob.NewFS(c.Blob.Dir)
	}
}

func serve(c *cfg.Cfg) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx, c.KMS)
	if err != nil {
		return errors.Wrap(err, "initialize KMS adapter")
	}
	util.Info().Str("provider", kmsAdapter.Provider()).Msg("KMS adapter initialized")

	pepper, err := loadSecret(ctx, kmsAdapter, "PEPPER", c.PepperFromKMS, c.Pepper)
	if err != nil {
		return err
	}
	defer util.Wipe(pepper)
	if len(pepper) < 32 {
		return errors.Errorf("pepper too short (%d bytes), must be >= 32", len(pepper))
	}
	sessionSecret, err := loadSecret(ctx, kmsAdapter, "SESSION_SECRET", c.SessionSecretFromKMS, c.SessionSecret)
	if err != nil {
		return err
	}
	defer util.Wipe(sessionSecret)

	keyCache := kms.NewKeyCache(kmsAdapter, c.KeyCacheSize, c.KEKCacheTTL)
	defer keyCache.Stop()
	keys := kms.NewCachedKeys(kmsAdapter, keyCache)

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		return errors.Wrap(err, "initialize database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var (
		rdb     *db.Redis
		counter lim.Counter
		claims  util.ClaimTracker
		redisP  api.Pinger
	)
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using local rate limits")
		} else {
			defer rdb.Close()
			counter, claims, redisP = rdb, rdb, rdb
			util.Info().Msg("redis connected")
		}
	}

	blobs, err := openBlobs(ctx, c)
	if err != nil {
		return errors.Wrap(err, "initialize blob storage")
	}
	staging, err := blob.NewStaging(c.StagingDir())
	if err != nil {
		return errors.Wrap(err, "initialize upload staging")
	}
	util.Info().Str("backend", blobs.Name()).Msg("blob storage initialized")

	verifier, err := auth.NewVerifier(pepper)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(c.KDF.Time, c.KDF.Memory, c.KDF.Parallelism, pepper)
	if err != nil {
		return errors.Wrap(err, "initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	sessions, err := auth.NewSessions(sessionSecret, c.AdminSessionTTL)
	if err != nil {
		return err
	}
	apiKeys, err := cache.NewAPIKeys(c.APIKeyCacheSize, c.APIKeyCacheTTL)
	if err != nil {
		return errors.Wrap(err, "create api key cache")
	}

	addrHasher, err := util.NewAddrHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		return errors.Wrap(err, "initialize IP hasher")
	}
	defer addrHasher.Stop()

	limiter, err := lim.New(lim.Config{
		Limit:          c.RateLimit.RPM,
		Window:         c.RateLimit.Window,
		GlobalRPS:      c.RateLimit.GlobalRPS,
		GlobalBurst:    c.RateLimit.GlobalBurst,
		TrustedProxies: c.TrustedProxies,
	}, counter, addrHasher)
	if err != nil {
		return errors.Wrap(err, "initialize rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	services, err := svc.New(svc.Deps{
		DB:       sqlDB,
		Blobs:    blobs,
		Staging:  staging,
		Engine:   crypt.NewEngine(crypt.KDFParams{Time: c.KDF.Time, Memory: c.KDF.Memory, Threads: c.KDF.Parallelism}, keys),
		Keys:     keys,
		Verifier: verifier,
		Hasher:   hasher,
		Sessions: sessions,
		APIKeys:  apiKeys,
		Claims:   claims,
		Cfg:      c,
	})
	if err != nil {
		return err
	}
	if err := services.Reaper.Start(ctx); err != nil {
		return errors.Wrap(err, "start reaper")
	}
	defer services.Reaper.Stop()

	walCtx, stopWAL := context.WithCancel(ctx)
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		sqlDB.RunWALMaintenance(walCtx)
	}()

	server := api.NewServer(api.Deps{
		Cfg:      c,
		Services: services,
		Limiter:  limiter,
		DB:       sqlDB,
		Redis:    redisP,
		Blobs:    blobs,
		Version:  version,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			stopWAL()
			<-walDone
			return err
		}
	}

	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	stopWAL()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(35 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
	return nil
}
