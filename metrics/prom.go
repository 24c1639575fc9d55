package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CryptexCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptex_created_total",
		Help: "no. of cryptexes created",
	})
	CryptexOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptex_opened_total",
		Help: "no. of successful opens",
	})
	CryptexDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_deleted_total",
			Help: "no. of cryptexes deleted, by reason",
		},
		[]string{"reason"},
	)
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_auth_failures_total",
			Help: "no. of rejected passwords",
		},
		[]string{"kind"},
	)
	UploadParts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptex_upload_parts_total",
		Help: "no. of staged upload parts",
	})
	FilesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptex_files_stored_total",
		Help: "no. of encrypted files written to blob storage",
	})
	BytesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptex_bytes_stored_total",
		Help: "plaintext bytes accepted for storage",
	})
	DownloadTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_download_tokens_total",
			Help: "download token events",
		},
		[]string{"event"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"cache"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_cache_misses_total",
			Help: "no. of cache misses",
		},
		[]string{"cache"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptex_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	ReaperCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptex_reaper_cycles_total",
		Help: "no. of reaper sweeps",
	})
	ReaperDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_reaper_deleted_total",
			Help: "rows removed by the reaper",
		},
		[]string{"kind"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptex_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cryptex_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
