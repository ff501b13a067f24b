// Package refresh keeps the server-side state of refresh tokens. A token is
// valid only while its row exists; rotation, logout and credential reset all
// work by deleting rows.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

var (
	// ErrRevoked is returned when rotating a token that has no row.
	ErrRevoked = fmt.Errorf("%w: refresh token revoked", shared.ErrUnauthorized)
	// ErrExpired is returned when rotating a token whose row is past expiry.
	ErrExpired = fmt.Errorf("%w: refresh token expired", shared.ErrUnauthorized)
	// ErrNotFound is returned when revoking a token that has no row.
	ErrNotFound = fmt.Errorf("%w: refresh token not found", shared.ErrNotFound)
	// ErrConflict is returned when the token string is already stored.
	ErrConflict = fmt.Errorf("%w: refresh token already exists", shared.ErrConflict)
)

// Issuer mints refresh tokens.
type Issuer interface {
	IssueRefresh(sub token.Subject) (string, error)
	TTL(kind token.Kind) time.Duration
}

// SubjectLoader returns the current identity of a token owner. It must return an
// error wrapping shared.ErrNotFound when the owner no longer exists.
type SubjectLoader interface {
	LoadSubject(ctx context.Context, userID int64) (token.Subject, error)
}

// Rotation is the outcome of a successful Rotate.
type Rotation struct {
	Token     string
	Subject   token.Subject
	ExpiresAt time.Time
}

// Store persists, rotates and revokes refresh tokens.
type Store struct {
	repo    Repository
	issuer  Issuer
	subject SubjectLoader
	now     func() time.Time
}

// NewStore builds a Store.
func NewStore(repo Repository, issuer Issuer, subjects SubjectLoader) *Store {
	return &Store{repo: repo, issuer: issuer, subject: subjects, now: time.Now}
}

// WithClock overrides the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Persist stores token for ownerID with an absolute expiry of now+ttl.
func (s *Store) Persist(ctx context.Context, raw string, ownerID int64, ttl time.Duration) error {
	now := s.now()
	return s.repo.Insert(ctx, Record{
		Token:     raw,
		UserID:    ownerID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
}

// Rotate consumes old and stores a freshly issued successor for the same owner.
// Lookup, delete and insert share one transaction and the old row is locked, so
// concurrent rotations of one token yield at most one successor. An expired row
// is deleted and ErrExpired returned.
func (s *Store) Rotate(ctx context.Context, old string) (Rotation, error) {
	var (
		out     Rotation
		expired bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		rec, err := tx.FindForUpdate(ctx, old)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrRevoked
			}
			return err
		}

		now := s.now()
		if !now.Before(rec.ExpiresAt) {
			if _, err := tx.Delete(ctx, old); err != nil {
				return err
			}
			expired = true
			return nil
		}

		sub, err := s.subject.LoadSubject(ctx, rec.UserID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return ErrRevoked
			}
			return err
		}
		if _, err := tx.Delete(ctx, old); err != nil {
			return err
		}

		next, err := s.issuer.IssueRefresh(sub)
		if err != nil {
			return err
		}
		ttl := s.issuer.TTL(token.KindRefresh)
		if err := tx.Insert(ctx, Record{Token: next, UserID: rec.UserID, ExpiresAt: now.Add(ttl), CreatedAt: now}); err != nil {
			return err
		}
		out = Rotation{Token: next, Subject: sub, ExpiresAt: now.Add(ttl)}
		return nil
	})
	if err != nil {
		return Rotation{}, err
	}
	if expired {
		return Rotation{}, ErrExpired
	}
	return out, nil
}

// Revoke deletes a single token. A token without a row yields ErrNotFound.
func (s *Store) Revoke(ctx context.Context, raw string) error {
	n, err := s.repo.Delete(ctx, raw)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForOwner deletes every token held by ownerID.
func (s *Store) RevokeAllForOwner(ctx context.Context, ownerID int64) (int64, error) {
	return s.repo.DeleteByUser(ctx, ownerID)
}

// Purge removes rows past their expiry.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}
