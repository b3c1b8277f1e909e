package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// ProfileRepository manages the account_profiles table.
//
// Key invariants:
//   - stripe_customer_id, once set on a row, is never replaced by a different
//     value (AssignCustomerID uses COALESCE on the stored value).
//   - Lifecycle writes carry the gateway event time and are ignored when the
//     row already reflects a later event (last_event_at guard).
//   - Updates that match no row are not errors.
type ProfileRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewProfileRepository creates a ProfileRepository over a pool or transaction.
func NewProfileRepository(db DBTX, logger *slog.Logger) *ProfileRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileRepository{db: db, logger: logger}
}

const profileColumns = `id, alt_user_ref, email, stripe_customer_id, subscription_tier,
	subscription_status, current_period_end, last_event_at, updated_at`

func scanProfile(row pgx.Row) (*types.AccountProfile, error) {
	var p types.AccountProfile
	var tier, status *string

	err := row.Scan(
		&p.UserID,
		&p.AltUserRef,
		&p.Email,
		&p.CustomerID,
		&tier,
		&status,
		&p.CurrentPeriodEnd,
		&p.LastEventAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tier != nil {
		t := types.Tier(*tier)
		p.Tier = &t
	}
	if status != nil {
		s := types.SubscriptionStatus(*status)
		p.Status = &s
	}
	return &p, nil
}

func (r *ProfileRepository) getOne(ctx context.Context, query string, arg string) (*types.AccountProfile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "account profile not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load account profile", err)
	}
	return p, nil
}

// GetByUserID returns the profile keyed by internal user id.
func (r *ProfileRepository) GetByUserID(ctx context.Context, userID string) (*types.AccountProfile, error) {
	return r.getOne(ctx,
		`SELECT `+profileColumns+` FROM account_profiles WHERE id = $1`,
		userID)
}

// GetByAltUserRef returns a profile keyed by the alternate user-reference
// column used by rows created before the id migration. Only rows carrying a
// customer reference are considered.
func (r *ProfileRepository) GetByAltUserRef(ctx context.Context, userID string) (*types.AccountProfile, error) {
	return r.getOne(ctx,
		`SELECT `+profileColumns+` FROM account_profiles
		 WHERE alt_user_ref = $1 AND stripe_customer_id IS NOT NULL
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID)
}

// AssignCustomerID upserts the profile keyed by userID and sets its customer
// reference only if none is stored yet. It returns the reference the row
// holds after the write, which differs from customerID when another request
// assigned one first.
//
// A unique violation means customerID is already mapped to a different
// profile; it is reported as ErrCodeConflictCustomerMapping.
func (r *ProfileRepository) AssignCustomerID(ctx context.Context, userID, email, customerID string) (string, error) {
	var stored *string
	err := r.db.QueryRow(ctx,
		`INSERT INTO account_profiles (id, email, stripe_customer_id, updated_at)
		 VALUES ($1, COALESCE($2, ''), $3, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET stripe_customer_id = COALESCE(account_profiles.stripe_customer_id, EXCLUDED.stripe_customer_id),
		     email = CASE WHEN account_profiles.email = '' THEN EXCLUDED.email ELSE account_profiles.email END,
		     updated_at = NOW()
		 RETURNING stripe_customer_id`,
		userID,
		nilIfEmpty(email),
		customerID,
	).Scan(&stored)
	if err != nil {
		if isUniqueViolation(err) {
			return "", types.NewAppErrorWithDetails(
				types.ErrCodeConflictCustomerMapping,
				"customer is already mapped to another account",
				err,
				map[string]any{"customer_id": customerID},
			)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to assign customer reference", err)
	}

	if stored == nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "customer reference not persisted", nil)
	}
	if *stored != customerID {
		r.logger.Warn("customer reference already assigned; keeping stored value",
			slog.String("user_id", userID),
			slog.String("stored_customer_id", *stored),
			slog.String("proposed_customer_id", customerID),
		)
	}
	return *stored, nil
}

// SetPendingTier records the tier a user is checking out for. The webhook
// path later overwrites it with the gateway's authoritative value.
func (r *ProfileRepository) SetPendingTier(ctx context.Context, userID string, tier types.Tier) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE account_profiles
		 SET subscription_tier = $2,
		     updated_at = NOW()
		 WHERE id = $1`,
		userID,
		string(tier),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record pending tier", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundProfile, "account profile not found", nil)
	}
	return nil
}

// ApplySubscriptionState writes lifecycle fields onto every profile mapped to
// state.CustomerID. It reports whether any row changed; zero rows means the
// customer is unknown or the row already reflects a newer event.
func (r *ProfileRepository) ApplySubscriptionState(ctx context.Context, state types.SubscriptionState) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE account_profiles
		 SET subscription_status = $2,
		     subscription_tier = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($3::text, subscription_tier) END,
		     current_period_end = COALESCE($5::timestamptz, current_period_end),
		     last_event_at = $6,
		     updated_at = NOW()
		 WHERE stripe_customer_id = $1
		   AND (last_event_at IS NULL OR last_event_at <= $6)`,
		state.CustomerID,
		string(state.Status),
		tierArg(state.Tier),
		state.ClearTier,
		state.CurrentPeriodEnd,
		state.EventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription state", err)
	}
	return r.reportApplied(tag.RowsAffected(), "customer_id", state.CustomerID, state.EventAt), nil
}

// LinkCustomerByUserID applies state to the profile keyed by userID when that
// profile has no customer reference yet (or already holds the same one). It
// covers checkout completions that arrive before the resolver's write is
// visible. It never inserts.
func (r *ProfileRepository) LinkCustomerByUserID(ctx context.Context, userID string, state types.SubscriptionState) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE account_profiles
		 SET stripe_customer_id = COALESCE(stripe_customer_id, $2),
		     subscription_status = $3,
		     subscription_tier = COALESCE($4::text, subscription_tier),
		     current_period_end = COALESCE($5::timestamptz, current_period_end),
		     last_event_at = $6,
		     updated_at = NOW()
		 WHERE id = $1
		   AND (stripe_customer_id IS NULL OR stripe_customer_id = $2)
		   AND (last_event_at IS NULL OR last_event_at <= $6)`,
		userID,
		state.CustomerID,
		string(state.Status),
		tierArg(state.Tier),
		state.CurrentPeriodEnd,
		state.EventAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, types.NewAppError(types.ErrCodeConflictCustomerMapping, "customer is already mapped to another account", err)
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to link customer to profile", err)
	}
	return r.reportApplied(tag.RowsAffected(), "user_id", userID, state.EventAt), nil
}

func (r *ProfileRepository) reportApplied(rows int64, key, value string, eventAt time.Time) bool {
	if rows == 0 {
		r.logger.Info("no profile updated (unknown key or newer state stored)",
			slog.String(key, value),
			slog.Time("event_at", eventAt),
		)
		return false
	}
	return true
}

func tierArg(t *types.Tier) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}
