package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cryptex/metrics"
	"cryptex/svc/util"

	"github.com/pkg/errors"
)

const (
	reapBatch       = 100
	staleUploadScan = 1000
)

// Reaper deletes what has outlived its retention: expired cryptexes,
// abandoned uploads, spent tokens and expired invite links.
type Reaper struct {
	*base
	cryptexes *Cryptexes
	uploads   *Uploads

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

type SweepStats struct {
	Cryptexes int
	Uploads   int
	Orphans   int
	Tokens    int
	Invites   int
}

func (r *Reaper) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reaper already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()
	go r.run(ctx, done)
	return nil
}

// Stop cancels the loop and waits for the current sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.running.Store(false)
	reqID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, reqID)
	interval := r.Cfg.ReaperInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info().
		Str("request_id", reqID).
		Dur("interval", interval).
		Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().
				Str("request_id", reqID).
				Msg("reaper shutting down")
			return
		case <-ticker.C:
			st, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error().
					Err(err).
					Str("request_id", reqID).
					Msg("sweep failed")
				continue
			}
			if st != (SweepStats{}) {
				r.log.Info().
					Str("request_id", reqID).
					Int("cryptexes", st.Cryptexes).
					Int("uploads", st.Uploads).
					Int("orphans", st.Orphans).
					Int("tokens", st.Tokens).
					Int("invites", st.Invites).
					Msg("sweep completed")
			}
		}
	}
}

// Sweep runs one pass. Every delete is idempotent, so a sweep racing a
// user destroy or another sweep only counts what it removed itself.
func (r *Reaper) Sweep(ctx context.Context) (SweepStats, error) {
	var st SweepStats
	metrics.ReaperCycles.Inc()
	now := r.now()

	for {
		ids, err := r.DB.ExpiredCryptexIDs(ctx, now, reapBatch)
		if err != nil {
			return st, err
		}
		removed := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			found, err := r.destroy(ctx, id, "expired")
			if err != nil {
				r.log.Error().Err(err).Str("id", util.RedactID(id)).Msg("failed to reap cryptex")
				continue
			}
			if found {
				removed++
			}
		}
		st.Cryptexes += removed
		if len(ids) < reapBatch || removed == 0 {
			break
		}
	}

	stale, err := r.DB.StaleUploads(ctx, now.Add(-r.Cfg.UploadSessionTTL), staleUploadScan)
	if err != nil {
		return st, err
	}
	for _, id := range stale {
		unlock := r.locks.Lock(uploadLock(id))
		err := r.uploads.discard(ctx, id)
		unlock()
		if err != nil {
			r.log.Error().Err(err).Str("upload_id", id).Msg("failed to reap upload")
			continue
		}
		st.Uploads++
	}

	if st.Orphans, err = r.orphans(ctx); err != nil {
		return st, err
	}
	if st.Tokens, err = r.DB.DeleteDeadTokens(ctx, now); err != nil {
		return st, err
	}
	if st.Invites, err = r.DB.DeleteExpiredInvites(ctx, now); err != nil {
		return st, err
	}

	metrics.ReaperDeleted.WithLabelValues("cryptex").Add(float64(st.Cryptexes))
	metrics.ReaperDeleted.WithLabelValues("upload").Add(float64(st.Uploads + st.Orphans))
	metrics.ReaperDeleted.WithLabelValues("token").Add(float64(st.Tokens))
	metrics.ReaperDeleted.WithLabelValues("invite").Add(float64(st.Invites))
	return st, nil
}

// orphans removes staging directories with no session behind them, left
// by a crash between staging and the store write.
func (r *Reaper) orphans(ctx context.Context) (int, error) {
	dirs, err := r.Staging.Uploads()
	if err != nil || len(dirs) == 0 {
		return 0, err
	}
	known, err := r.DB.AllUploadIDs(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(known))
	for _, id := range known {
		live[id] = true
	}
	n := 0
	for _, id := range dirs {
		if live[id] {
			continue
		}
		unlock := r.locks.Lock(uploadLock(id))
		err := r.Staging.Remove(id)
		unlock()
		if err != nil {
			r.log.Warn().Err(err).Str("upload_id", id).Msg("failed to remove orphaned staging")
			continue
		}
		n++
	}
	return n, nil
}
