package svc

import (
	"context"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"cryptex/cfg"
	"cryptex/metrics"
	"cryptex/pkg/domain"
	"cryptex/svc/auth"
	"cryptex/svc/blob"
	"cryptex/svc/cache"
	"cryptex/svc/crypt"
	"cryptex/svc/db"
	"cryptex/svc/util"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

const (
	idRetries       = 10
	maxFilenameLen  = 255
	blobDeleteLimit = 4
)

// Deps are the collaborators shared by every service. Claims is optional
// (Redis); everything else is required.
type Deps struct {
	DB       *db.SQLite
	Blobs    blob.Store
	Staging  *blob.Staging
	Engine   *crypt.Engine
	Keys     crypt.Wrapper
	Verifier *auth.Verifier
	Hasher   *auth.Hasher
	Sessions *auth.Sessions
	APIKeys  *cache.APIKeys
	Claims   util.ClaimTracker
	Cfg      *cfg.Cfg
}

type base struct {
	Deps
	locks    *util.KeyedMutex
	settings *Settings
	now      func() time.Time
	log      zerolog.Logger
}

type Services struct {
	Settings  *Settings
	Cryptexes *Cryptexes
	Uploads   *Uploads
	Downloads *Downloads
	Invites   *Invites
	Admin     *Admin
	Reaper    *Reaper
}

func New(d Deps) (*Services, error) {
	if d.DB == nil || d.Blobs == nil || d.Staging == nil || d.Engine == nil || d.Keys == nil ||
		d.Verifier == nil || d.Hasher == nil || d.Sessions == nil || d.APIKeys == nil || d.Cfg == nil {
		return nil, errors.New("svc: nil dependency")
	}
	b := &base{
		Deps:  d,
		locks: util.NewKeyedMutex(),
		now:   time.Now,
		log:   util.Component("svc"),
	}
	b.settings = newSettings(d.DB, d.Cfg)
	s := &Services{Settings: b.settings}
	s.Cryptexes = &Cryptexes{base: b}
	s.Invites = &Invites{base: b, cryptexes: s.Cryptexes}
	s.Cryptexes.invites = s.Invites
	s.Uploads = &Uploads{base: b, cryptexes: s.Cryptexes}
	s.Downloads = &Downloads{base: b, cryptexes: s.Cryptexes}
	s.Admin = &Admin{base: b, cryptexes: s.Cryptexes}
	s.Reaper = &Reaper{base: b, cryptexes: s.Cryptexes, uploads: s.Uploads}
	return s, nil
}

// SetClock replaces the time source of every service.
func (s *Services) SetClock(now func() time.Time) {
	s.Cryptexes.now = now
}

// pad stretches failed authentication paths to a fixed floor so response
// timing does not reveal which check failed.
func (b *base) pad(start time.Time, err *error) {
	if *err == nil || b.Cfg.AuthMinDuration <= 0 {
		return
	}
	if rest := b.Cfg.AuthMinDuration - time.Since(start); rest > 0 {
		time.Sleep(rest)
	}
}

// unlock checks the password against the fast verifier and recreates the
// content key.
func (b *base) unlock(ctx context.Context, cx *domain.Cryptex, password string) (*crypt.Key, error) {
	if err := b.checkPassword(cx, password); err != nil {
		return nil, err
	}
	key, err := b.Engine.OpenKey(ctx, password, cx.ID, cx.KeySalt, cx.WrappedKey)
	if err != nil {
		return nil, errors.Wrap(err, "open content key")
	}
	return key, nil
}

func (b *base) checkPassword(cx *domain.Cryptex, password string) error {
	if !cx.HasPassword() {
		return nil
	}
	if password == "" {
		metrics.AuthFailures.WithLabelValues("missing").Inc()
		return domain.ErrPasswordRequired
	}
	if len(password) > auth.MaxPasswordLength || !b.Verifier.Check(password, cx.VerifierSalt, cx.Verifier) {
		metrics.AuthFailures.WithLabelValues("wrong").Inc()
		return domain.ErrInvalidPassword
	}
	return nil
}

// blobCtx detaches blob work from request cancellation so cleanup is not
// cut short by a disconnecting client.
func (b *base) blobCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.Cfg.BlobTimeout)
}

// destroy removes a cryptex with everything it owns under its id lock.
func (b *base) destroy(ctx context.Context, id, reason string) (bool, error) {
	unlock := b.locks.Lock(id)
	defer unlock()
	return b.destroyLocked(ctx, id, reason)
}

func (b *base) destroyLocked(ctx context.Context, id, reason string) (bool, error) {
	removed, err := b.DB.DeleteCryptex(ctx, id)
	if err != nil {
		return false, err
	}
	b.releaseBlobs(ctx, removed.StorageKeys)
	for _, u := range removed.UploadIDs {
		if err := b.Staging.Remove(u); err != nil {
			b.log.Warn().Err(err).Str("upload_id", u).Msg("failed to remove staged parts")
		}
	}
	if removed.Found {
		metrics.CryptexDeleted.WithLabelValues(reason).Inc()
		b.log.Info().Str("id", util.RedactID(id)).Str("reason", reason).Int("files", len(removed.StorageKeys)).Msg("cryptex deleted")
	}
	return removed.Found, nil
}

// releaseBlobs deletes blobs in parallel. Failures are logged; the row is
// already gone and the keys are unreachable.
func (b *base) releaseBlobs(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	bctx, cancel := b.blobCtx(ctx)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(blobDeleteLimit)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			if err := b.Blobs.Delete(bctx, k); err != nil {
				b.log.Error().Err(err).Str("key", k).Msg("failed to delete blob")
			}
			return nil
		})
	}
	g.Wait()
}

// cleanFilename keeps the base name and normalizes it to NFC.
func cleanFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = norm.NFC.String(strings.TrimSpace(path.Base(name)))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", domain.Validation("invalid filename")
	}
	if len(name) > maxFilenameLen || !utf8.ValidString(name) || strings.ContainsAny(name, "\x00\r\n") {
		return "", domain.Validation("invalid filename")
	}
	return name, nil
}

func validID(id string) error {
	if !util.ValidID(id) {
		return domain.Validation("invalid cryptex id format")
	}
	return nil
}
