package svc

import (
	"context"
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	"cryptex/pkg/domain"
	"cryptex/pkg/kms"
	"cryptex/svc/util"

	"github.com/pkg/errors"
)

const (
	inviteTokenBytes    = 32
	invitePasswordBytes = 24
	maxLabelLength      = 100
)

type Invites struct {
	*base
	cryptexes *Cryptexes
}

func inviteContext(token string) kms.EncryptionContext {
	return kms.EncryptionContext{"purpose": "invite-password", "token": token}
}

func cleanLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if utf8.RuneCountInString(label) > maxLabelLength {
		return "", domain.Validation("label exceeds %d characters", maxLabelLength)
	}
	return label, nil
}

// Create issues a single-use link with a generated password. A zero
// expiresIn never expires.
func (i *Invites) Create(ctx context.Context, label string, expiresIn time.Duration) (*domain.InviteLink, error) {
	label, err := cleanLabel(label)
	if err != nil {
		return nil, err
	}
	if expiresIn < 0 {
		return nil, domain.Validation("expiry must be positive")
	}
	token, err := util.NewToken(inviteTokenBytes)
	if err != nil {
		return nil, err
	}
	raw, err := util.RandomBytes(invitePasswordBytes)
	if err != nil {
		return nil, err
	}
	password := base64.StdEncoding.EncodeToString(raw)
	ct, err := i.Keys.Wrap(ctx, []byte(password), inviteContext(token))
	if err != nil {
		return nil, errors.Wrap(err, "wrap invite password")
	}
	now := i.now()
	link := &domain.InviteLink{
		Token:      token,
		Label:      label,
		CreatedAt:  now,
		MaxUses:    1,
		PasswordCT: ct,
		Password:   password,
		Active:     true,
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		link.ExpiresAt = &exp
	}
	if err := i.DB.InsertInvite(ctx, link); err != nil {
		return nil, err
	}
	i.log.Info().Str("token", util.RedactToken(token)).Msg("invite link created")
	return link, nil
}

func (i *Invites) reveal(ctx context.Context, l *domain.InviteLink) error {
	if len(l.PasswordCT) == 0 {
		return nil
	}
	pw, err := i.Keys.Unwrap(ctx, l.PasswordCT, inviteContext(l.Token))
	if err != nil {
		return errors.Wrap(err, "unwrap invite password")
	}
	l.Password = string(pw)
	return nil
}

func (i *Invites) reason(l *domain.InviteLink) string {
	switch {
	case l.CryptexID != "":
		return "Used"
	case l.Expired(i.now()):
		return "Expired"
	case l.Uses >= l.MaxUses:
		return "Max uses reached"
	}
	return ""
}

// Check reports whether a link may still create a cryptex.
func (i *Invites) Check(ctx context.Context, token string) (*domain.InviteCheck, error) {
	l, err := i.DB.GetInvite(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.InviteCheck{Reason: "Invalid token"}, nil
	}
	if err != nil {
		return nil, err
	}
	if r := i.reason(l); r != "" {
		return &domain.InviteCheck{Reason: r, Label: l.Label}, nil
	}
	if err := i.reveal(ctx, l); err != nil {
		return nil, err
	}
	return &domain.InviteCheck{
		Valid:       true,
		Label:       l.Label,
		HasPassword: l.Password != "",
		Password:    l.Password,
	}, nil
}

// usable returns the link with its password revealed, or the error shown
// to a visitor holding a dead link.
func (i *Invites) usable(ctx context.Context, token string) (*domain.InviteLink, error) {
	l, err := i.DB.GetInvite(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound.With("Invalid invite link")
	}
	if err != nil {
		return nil, err
	}
	if i.reason(l) != "" {
		return nil, domain.ErrExpired.With("Invite link expired or already used")
	}
	if err := i.reveal(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Consume binds the link to a cryptex. A used or expired link is Forbidden.
func (i *Invites) Consume(ctx context.Context, token, cryptexID string, hasPassword bool) error {
	ok, err := i.DB.ConsumeInvite(ctx, token, cryptexID, hasPassword, i.now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbidden.With("invite link expired or already used")
	}
	return nil
}

func (i *Invites) List(ctx context.Context) ([]*domain.InviteLink, error) {
	links, err := i.DB.ListInvites(ctx)
	if err != nil {
		return nil, err
	}
	now := i.now()
	for _, l := range links {
		l.Active = l.CryptexID == "" && l.Uses < l.MaxUses && !l.Expired(now)
		if err := i.reveal(ctx, l); err != nil {
			i.log.Warn().Err(err).Str("token", util.RedactToken(l.Token)).Msg("invite password unavailable")
		}
	}
	return links, nil
}

func (i *Invites) UpdateLabel(ctx context.Context, token, label string) error {
	label, err := cleanLabel(label)
	if err != nil {
		return err
	}
	return i.DB.UpdateInviteLabel(ctx, token, label)
}

// Delete removes a link and, with deleteData, the cryptex created from it.
func (i *Invites) Delete(ctx context.Context, token string, deleteData bool) error {
	bound, err := i.DB.DeleteInvite(ctx, token)
	if err != nil {
		return err
	}
	if deleteData && bound != "" {
		if _, err := i.destroy(ctx, bound, "invite_deleted"); err != nil {
			return err
		}
	}
	return nil
}
