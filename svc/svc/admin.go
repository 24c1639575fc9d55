package svc

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"cryptex/metrics"
	"cryptex/pkg/domain"
	"cryptex/svc/auth"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const maxKeyNameLength = 100

type Admin struct {
	*base
	cryptexes *Cryptexes
}

// Login verifies the administrator password and issues a session token.
func (a *Admin) Login(ctx context.Context, password string) (_ string, _ time.Time, err error) {
	defer a.pad(time.Now(), &err)
	encoded := a.Cfg.AdminPasswordHash.Value()
	if encoded == "" {
		return "", time.Time{}, domain.ErrForbidden.With("admin login is disabled")
	}
	if password == "" || len(password) > auth.MaxPasswordLength {
		metrics.AuthFailures.WithLabelValues("admin").Inc()
		return "", time.Time{}, domain.ErrUnauthorized.With("invalid password")
	}
	ok, err := a.Hasher.Verify(ctx, password, encoded)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "verify admin password")
	}
	if !ok {
		metrics.AuthFailures.WithLabelValues("admin").Inc()
		return "", time.Time{}, domain.ErrUnauthorized.With("invalid password")
	}
	return a.Sessions.Issue()
}

func (a *Admin) CheckSession(token string) error {
	if token == "" {
		return domain.ErrUnauthorized
	}
	if _, err := a.Sessions.Validate(token); err != nil {
		return domain.ErrUnauthorized.With("session expired")
	}
	return nil
}

func (a *Admin) Settings(ctx context.Context) (domain.Settings, error) {
	return a.settings.Get(ctx)
}

func (a *Admin) UpdateSettings(ctx context.Context, s domain.Settings) (domain.Settings, error) {
	out, err := a.settings.Update(ctx, s)
	if err != nil {
		return out, err
	}
	a.log.Info().Str("mode", out.Mode).Msg("settings updated")
	return out, nil
}

func (a *Admin) CreateAPIKey(ctx context.Context, name, description string) (*domain.CreatedAPIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxKeyNameLength {
		return nil, domain.Validation("name must be 1 to %d characters", maxKeyNameLength)
	}
	raw, digest, err := a.Verifier.NewAPIKey()
	if err != nil {
		return nil, err
	}
	k := domain.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Digest:      digest,
		CreatedAt:   a.now(),
	}
	if err := a.DB.InsertAPIKey(ctx, &k); err != nil {
		return nil, err
	}
	a.log.Info().Str("key_id", k.ID).Msg("api key created")
	return &domain.CreatedAPIKey{APIKey: k, Key: raw}, nil
}

func (a *Admin) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return a.DB.ListAPIKeys(ctx)
}

func (a *Admin) RevokeAPIKey(ctx context.Context, id string) error {
	digest, err := a.DB.DeleteAPIKey(ctx, id)
	if err != nil {
		return err
	}
	a.APIKeys.Delete(digest)
	return nil
}

func (a *Admin) RevokeAllAPIKeys(ctx context.Context) (int, error) {
	n, err := a.DB.DeleteAllAPIKeys(ctx)
	a.APIKeys.Purge()
	return n, err
}

// VerifyAPIKey resolves a raw key presented in X-API-Key.
func (a *Admin) VerifyAPIKey(ctx context.Context, raw string) (*domain.APIKey, error) {
	if !auth.LooksLikeAPIKey(raw) {
		metrics.AuthFailures.WithLabelValues("api_key").Inc()
		return nil, domain.ErrUnauthorized.With("invalid api key")
	}
	digest := a.Verifier.APIKeyDigest(raw)
	if k := a.APIKeys.Get(ctx, digest); k != nil {
		return k, nil
	}
	k, err := a.DB.GetAPIKeyByDigest(ctx, digest)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.AuthFailures.WithLabelValues("api_key").Inc()
		return nil, domain.ErrUnauthorized.With("invalid api key")
	}
	if err != nil {
		return nil, err
	}
	now := a.now()
	if err := a.DB.TouchAPIKey(ctx, k.ID, now); err != nil {
		a.log.Warn().Err(err).Str("key_id", k.ID).Msg("failed to stamp api key")
	}
	k.LastUsed = &now
	a.APIKeys.Set(k)
	return k, nil
}

func (a *Admin) Stats(ctx context.Context) (*domain.Stats, error) {
	all, err := a.DB.ListCryptex(ctx)
	if err != nil {
		return nil, err
	}
	uploads, err := a.DB.CountUploads(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	st := &domain.Stats{Total: len(all), Uploads: uploads, Items: make([]domain.StatsItem, 0, len(all))}
	for _, c := range all {
		kind := "text"
		switch {
		case c.HasText() && c.FileCount > 0:
			kind = "both"
			st.Both++
		case c.FileCount > 0:
			kind = "files"
			st.FilesOnly++
		default:
			st.TextOnly++
		}
		st.TotalSize += c.TotalSize
		left := c.ExpiresAt.Sub(now)
		if left < 0 {
			left = 0
		}
		st.Items = append(st.Items, domain.StatsItem{
			ID:          c.ID,
			Type:        kind,
			Size:        c.TotalSize,
			CreatedAt:   c.CreatedAt,
			ExpiresAt:   c.ExpiresAt,
			ExpiresIn:   int64(left / time.Second),
			Encrypted:   c.HasPassword(),
			Autodestroy: c.Autodestroy,
			Consumed:    c.Consumed,
			Views:       c.Views,
			FileCount:   c.FileCount,
		})
	}
	return st, nil
}

func (a *Admin) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	found, err := a.destroy(ctx, id, "admin")
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteAll destroys every stored cryptex and returns how many went.
func (a *Admin) DeleteAll(ctx context.Context) (int, error) {
	ids, err := a.DB.AllCryptexIDs(ctx)
	if err != nil {
		return 0, err
	}
	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobDeleteLimit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			found, err := a.destroy(gctx, id, "admin")
			if found {
				n.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	a.log.Warn().Int64("deleted", n.Load()).Msg("all cryptexes deleted by admin")
	return int(n.Load()), err
}
