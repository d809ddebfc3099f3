package store

import (
	"context"
	"errors"
	"log/slog"
	"reflect"

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/model"
)

// Observations are change-data-capture over the store's write path. Every
// write commits through the serialized writer and broadcasts a commit
// signal; every live observation then re-runs its defining query and
// forwards the result only when it differs from the last delivered value
// (explicit comparison, not driver-level change tracking).
//
// Channels are buffered with capacity one and conflated: a slow consumer
// always finds the latest result, never a backlog of stale ones. A channel
// closes when its context is cancelled or the store closes; the channel from
// ObserveIdentity additionally closes right after its terminal not-found
// event once the identity is deleted.

// IdentityEvent is one delivery from ObserveIdentity: an updated identity,
// or — exactly once, after the identity is deleted — a terminal not-found
// error. No further events follow an event with a non-nil Err.
type IdentityEvent struct {
	Identity *model.Identity
	Err      error
}

// sendLatest delivers v, displacing an unconsumed previous value if the
// consumer is behind. The channel must have capacity one.
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// ObserveIdentity returns a channel that tracks one identity, including its
// joined instance record.
//
// When immediate is true the current value is delivered before this call
// returns; either way, one event follows every committed change affecting
// the identity, with consecutive duplicates suppressed. If the identity does
// not exist, ObserveIdentity fails with ErrNotFound; if it is deleted later,
// the channel delivers a terminal not-found event exactly once and closes.
func (s *Store) ObserveIdentity(ctx context.Context, id string, immediate bool) (<-chan IdentityEvent, error) {
	// Capture the commit signal before the initial read: a write that
	// commits between the read and the first wait is then still observed.
	wait, open := s.commitWait()
	if !open {
		return nil, apperror.ErrCannotOpen
	}

	current, err := s.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}

	ch := make(chan IdentityEvent, 1)
	last := current
	if immediate {
		ch <- IdentityEvent{Identity: current}
	}

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
			var stillOpen bool
			wait, stillOpen = s.commitWait()

			identity, err := s.GetIdentity(ctx, id)
			if err != nil {
				if errors.Is(err, apperror.ErrNotFound) {
					sendLatest(ch, IdentityEvent{Err: err})
				} else if stillOpen && ctx.Err() == nil {
					s.logger.Warn("identity observation query failed",
						slog.String("id", id), slog.String("error", err.Error()))
				}
				return
			}

			if reflect.DeepEqual(identity, last) {
				if !stillOpen {
					return
				}
				continue
			}
			sendLatest(ch, IdentityEvent{Identity: identity})
			last = identity

			if !stillOpen {
				return
			}
		}
	}()

	return ch, nil
}

// observeQuery runs the generic observation loop: deliver the current result
// immediately, then re-run query after every commit and deliver on change.
func observeQuery[T any](ctx context.Context, s *Store, query func(context.Context) (T, error)) (<-chan T, error) {
	wait, open := s.commitWait()
	if !open {
		return nil, apperror.ErrCannotOpen
	}

	last, err := query(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan T, 1)
	ch <- last

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
			var stillOpen bool
			wait, stillOpen = s.commitWait()

			result, err := query(ctx)
			if err != nil {
				if stillOpen && ctx.Err() == nil {
					s.logger.Warn("observation query failed",
						slog.String("error", err.Error()))
				}
				return
			}
			if !reflect.DeepEqual(result, last) {
				sendLatest(ch, result)
				last = result
			}
			if !stillOpen {
				return
			}
		}
	}()

	return ch, nil
}

// ObserveAllIdentities returns a channel of the full identity list, most
// recently used first. The current list is delivered before this call
// returns; the list is re-delivered after any insert, update, or delete
// affecting any identity row, with duplicate lists suppressed.
func (s *Store) ObserveAllIdentities(ctx context.Context) (<-chan []model.Identity, error) {
	return observeQuery(ctx, s, s.AllIdentities)
}

// ObserveRecentIdentities is ObserveAllIdentities capped at nine entries and
// excluding one id.
func (s *Store) ObserveRecentIdentities(ctx context.Context, excluding string) (<-chan []model.Identity, error) {
	return observeQuery(ctx, s, func(ctx context.Context) ([]model.Identity, error) {
		return s.RecentIdentities(ctx, excluding)
	})
}

// ObserveMostRecentlyUsedIdentityID returns a channel of the id of the most
// recently used identity, or nil while the store is empty. The first value
// is computed synchronously and already buffered when this call returns, so
// it is available before first paint.
func (s *Store) ObserveMostRecentlyUsedIdentityID(ctx context.Context) (<-chan *string, error) {
	return observeQuery(ctx, s, s.MostRecentlyUsedIdentityID)
}
