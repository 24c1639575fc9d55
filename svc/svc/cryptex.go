package svc

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"cryptex/metrics"
	"cryptex/pkg/domain"
	"cryptex/svc/auth"
	"cryptex/svc/crypt"
	"cryptex/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const minRetention = time.Minute

type Cryptexes struct {
	*base
	invites *Invites
}

func (c *Cryptexes) Create(ctx context.Context, p domain.CreateParams) (*domain.CreateResult, error) {
	s, err := c.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	text := norm.NFC.String(strings.TrimSpace(p.Text))
	if n := utf8.RuneCountInString(text); n > s.MaxMessageLength {
		return nil, domain.Validation("text exceeds the maximum length of %d characters", s.MaxMessageLength)
	}
	if len(p.Password) > auth.MaxPasswordLength {
		return nil, domain.Validation("password exceeds %d bytes", auth.MaxPasswordLength)
	}
	if p.Retention < minRetention {
		return nil, domain.Validation("retention must be at least %s", util.FormatRetention(minRetention))
	}
	if p.Retention > s.MaxExpiration {
		return nil, domain.Validation("retention exceeds the maximum of %s", util.FormatRetention(s.MaxExpiration))
	}
	if text == "" && len(p.Files) == 0 && !p.PendingFiles {
		return nil, domain.Validation("text or files required")
	}
	if len(p.Files) > s.MaxFileCount {
		return nil, domain.Validation("maximum %d files allowed", s.MaxFileCount)
	}
	names := make([]string, len(p.Files))
	seen := make(map[string]bool, len(p.Files))
	for i, f := range p.Files {
		name, err := cleanFilename(f.Filename)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, domain.Conflict("file %q already exists", name)
		}
		seen[name] = true
		names[i] = name
	}

	password := p.Password
	if p.InviteToken != "" {
		link, err := c.invites.usable(ctx, p.InviteToken)
		if err != nil {
			return nil, err
		}
		if password == "" {
			password = link.Password
		}
	}

	id, err := util.GenID(idRetries, func(id string) (bool, error) {
		return c.DB.CryptexExists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "generate id")
	}
	aad := []byte(id)

	key, err := c.Engine.NewKey(ctx, password, id)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	now := c.now()
	cx := &domain.Cryptex{
		ID:           id,
		KeySalt:      key.Salt,
		WrappedKey:   key.Wrapped,
		Autodestroy:  p.Autodestroy,
		PendingFiles: p.PendingFiles,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.Retention),
		InviteToken:  p.InviteToken,
	}
	if text != "" {
		if cx.TextCT, cx.TextTag, err = key.Seal([]byte(text), aad); err != nil {
			return nil, errors.Wrap(err, "seal text")
		}
		cx.TotalSize = int64(len(text))
		metrics.EncryptionOps.WithLabelValues("text_encrypt").Inc()
	}
	if password != "" {
		if cx.VerifierSalt, cx.Verifier, err = c.Verifier.New(password); err != nil {
			return nil, err
		}
	}
	if cx.BoxPublic, cx.BoxPrivateCT, err = key.NewRecipient(aad); err != nil {
		return nil, errors.Wrap(err, "box keypair")
	}

	var stored []string
	fail := func(err error) (*domain.CreateResult, error) {
		c.releaseBlobs(ctx, stored)
		return nil, err
	}
	for i, f := range p.Files {
		body := f.Body
		rec, err := c.sealFile(ctx, id, cx.BoxPublic, names[i], s.MaxFileSize, func(w io.Writer) (int64, error) {
			return io.Copy(w, io.LimitReader(body, s.MaxFileSize+1))
		})
		if err != nil {
			return fail(err)
		}
		stored = append(stored, rec.StorageKey)
		cx.Files = append(cx.Files, *rec)
		cx.TotalSize += rec.Size
	}
	cx.FileCount = len(cx.Files)
	if err := c.DB.InsertCryptex(ctx, cx); err != nil {
		return fail(err)
	}

	if p.InviteToken != "" {
		if err := c.invites.Consume(ctx, p.InviteToken, id, password != ""); err != nil {
			if _, derr := c.destroy(ctx, id, "invite_race"); derr != nil {
				c.log.Error().Err(derr).Str("id", util.RedactID(id)).Msg("failed to roll back invite cryptex")
			}
			return nil, err
		}
	}

	metrics.CryptexCreated.Inc()
	if n := len(cx.Files); n > 0 {
		metrics.FilesStored.Add(float64(n))
	}
	metrics.BytesStored.Add(float64(cx.TotalSize))
	c.log.Info().
		Str("id", util.RedactID(id)).
		Str("request_id", util.GetRequestID(ctx)).
		Int("files", cx.FileCount).
		Bool("autodestroy", cx.Autodestroy).
		Bool("pending", cx.PendingFiles).
		Msg("cryptex created")

	return &domain.CreateResult{
		ID:          id,
		ExpiresAt:   cx.ExpiresAt,
		Autodestroy: cx.Autodestroy,
		FileCount:   cx.FileCount,
		TotalSize:   cx.TotalSize,
		HasPassword: password != "",
	}, nil
}

// Open decrypts a cryptex. For autodestroy cryptexes exactly one caller
// wins the claim; the rest see NotFound.
func (c *Cryptexes) Open(ctx context.Context, id, password string) (res *domain.OpenResult, err error) {
	defer c.pad(time.Now(), &err)
	if err := validID(id); err != nil {
		return nil, err
	}
	cx, err := c.DB.GetCryptex(ctx, id, c.now())
	if err != nil {
		return nil, err
	}
	if cx.Consumed || cx.PendingFiles {
		return nil, domain.ErrNotFound
	}
	key, err := c.unlock(ctx, cx, password)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	res = &domain.OpenResult{
		Files:       domain.FileInfos(cx.Files),
		ExpiresAt:   cx.ExpiresAt,
		Autodestroy: cx.Autodestroy,
	}
	if cx.HasText() {
		plain, err := key.Open(cx.TextCT, cx.TextTag, []byte(id))
		if err != nil {
			return nil, errors.Wrap(err, "decrypt text")
		}
		res.Text = string(plain)
		crypt.Wipe(plain)
		metrics.EncryptionOps.WithLabelValues("text_decrypt").Inc()
	}

	if !cx.Autodestroy {
		if res.Views, err = c.DB.IncrViews(ctx, id, c.now()); err != nil {
			return nil, err
		}
		metrics.CryptexOpened.Inc()
		return res, nil
	}

	unlock := c.locks.Lock(id)
	defer unlock()
	won, err := c.DB.ClaimCryptex(ctx, id, c.now())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, domain.ErrNotFound
	}
	metrics.CryptexOpened.Inc()
	res.Views = cx.Views + 1
	if len(cx.Files) == 0 {
		if _, err := c.destroyLocked(ctx, id, "autodestroy"); err != nil {
			c.log.Error().Err(err).Str("id", util.RedactID(id)).Msg("autodestroy delete failed; left for the reaper")
		}
		return res, nil
	}
	until := c.now().Add(c.Cfg.AutodestroyGrace)
	if err := c.DB.StartGrace(ctx, id, until); err != nil {
		c.log.Error().Err(err).Str("id", util.RedactID(id)).Msg("failed to start grace window")
	}
	if until.Before(res.ExpiresAt) {
		res.ExpiresAt = until
	}
	return res, nil
}

// Destroy deletes a cryptex after the same password check as Open.
func (c *Cryptexes) Destroy(ctx context.Context, id, password string) (_ string, err error) {
	defer c.pad(time.Now(), &err)
	if err := validID(id); err != nil {
		return "", err
	}
	cx, err := c.DB.GetCryptex(ctx, id, c.now())
	if err != nil {
		return "", err
	}
	if err := c.checkPassword(cx, password); err != nil {
		return "", err
	}
	found, err := c.destroy(ctx, id, "destroyed")
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.ErrNotFound
	}
	return id, nil
}
