// Package service — identity business logic.
//
// IdentityService sits between the HTTP handlers and the store/secret
// backend, so handlers never touch the database or credentials directly:
//
//	IdentityHandler (HTTP) → IdentityService (business rules) → store.Store
//	                                                          ↘ secret.Store
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/identity-vault/internal/model"
	"github.com/sakif/identity-vault/internal/secret"
	"github.com/sakif/identity-vault/internal/store"
)

// IdentityService handles identity lifecycle operations.
type IdentityService struct {
	store   *store.Store
	secrets secret.Store
	logger  *slog.Logger
}

// NewIdentityService creates an IdentityService with all required
// dependencies.
func NewIdentityService(st *store.Store, secrets secret.Store, logger *slog.Logger) *IdentityService {
	return &IdentityService{store: st, secrets: secrets, logger: logger}
}

// List returns every identity, most recently used first.
func (s *IdentityService) List(ctx context.Context) ([]model.Identity, error) {
	identities, err := s.store.AllIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/identity: listing identities: %w", err)
	}
	return identities, nil
}

// Recent returns up to nine identities excluding the given id.
func (s *IdentityService) Recent(ctx context.Context, excluding string) ([]model.Identity, error) {
	identities, err := s.store.RecentIdentities(ctx, excluding)
	if err != nil {
		return nil, fmt.Errorf("service/identity: listing recent identities: %w", err)
	}
	return identities, nil
}

// Get returns one identity with its joined instance record.
func (s *IdentityService) Get(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/identity: fetching identity %s: %w", id, err)
	}
	return identity, nil
}

// Touch records that the identity became active.
func (s *IdentityService) Touch(ctx context.Context, id string) error {
	if err := s.store.TouchLastUsed(ctx, id); err != nil {
		return fmt.Errorf("service/identity: touching identity %s: %w", id, err)
	}
	return nil
}

// Delete removes the identity record (cascading to its account profile) and
// every secret stored for it. The store delete runs first: if it fails,
// credentials stay intact and the identity remains usable.
func (s *IdentityService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteIdentity(ctx, id); err != nil {
		return fmt.Errorf("service/identity: deleting identity %s: %w", id, err)
	}
	if err := s.secrets.DeleteIdentity(id); err != nil {
		// The record is already gone; the leftover secrets are orphans the
		// startup sweep will collect.
		s.logger.Warn("failed to delete identity secrets",
			slog.String("id", id), slog.String("error", err.Error()))
	}
	s.logger.Info("identity deleted", slog.String("id", id))
	return nil
}

// Watch streams the full identity list after every relevant change.
func (s *IdentityService) Watch(ctx context.Context) (<-chan []model.Identity, error) {
	ch, err := s.store.ObserveAllIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/identity: observing identities: %w", err)
	}
	return ch, nil
}

// MostRecentlyUsed returns the id of the most recently used identity, or nil
// when none exist.
func (s *IdentityService) MostRecentlyUsed(ctx context.Context) (*string, error) {
	id, err := s.store.MostRecentlyUsedIdentityID(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/identity: reading most recently used identity: %w", err)
	}
	return id, nil
}
