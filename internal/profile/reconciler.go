package profile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	identity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// Reconciler returns the profile of a principal, inserting a fallback row
// when the backend has not created one within the bounded wait.
type Reconciler struct {
	store   Store
	wait    time.Duration
	retries uint
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewReconciler builds a reconciler that re-reads a missing profile up to
// retries times, wait apart, before inserting it.
func NewReconciler(store Store, wait time.Duration, retries uint, logger *zap.SugaredLogger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if retries == 0 {
		retries = 1
	}
	return &Reconciler{store: store, wait: wait, retries: retries, logger: logger, now: time.Now}
}

// Reconcile fails with apperr.ErrProfileFetchFailed when the store cannot be
// read and apperr.ErrProfileCreateFailed when the fallback insert fails for a
// reason other than a uniqueness conflict.
func (r *Reconciler) Reconcile(ctx context.Context, p identity.Principal) (*entity.Profile, error) {
	read := func() (*entity.Profile, error) {
		pr, err := r.store.SelectByID(ctx, p.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return pr, err
	}
	pr, err := backoff.Retry(ctx, read,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.wait)),
		backoff.WithMaxTries(r.retries+1),
	)
	if err == nil {
		return pr, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.ErrProfileFetchFailed, apperr.Classify(err))
	}

	now := r.now().UTC()
	rec := &entity.Profile{
		ID:        p.ID,
		Name:      DeriveName(p),
		Email:     p.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.store.Insert(ctx, rec)
	switch {
	case err == nil:
		r.logger.Infow("profile created by fallback insert", "principal_id", p.ID)
		return rec, nil
	case errors.Is(err, ErrDuplicate):
		r.logger.Debugw("profile insert lost the race, re-reading", "principal_id", p.ID)
		pr, err := r.store.SelectByID(ctx, p.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrProfileFetchFailed, apperr.Classify(err))
		}
		return pr, nil
	default:
		return nil, apperr.Wrap(apperr.ErrProfileCreateFailed, apperr.Classify(err))
	}
}
