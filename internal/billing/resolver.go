package billing

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// resolution source labels, used in logs.
const (
	sourceAltUserRef = "alt_user_ref"
	sourceEmail      = "email_match"
	sourceCreated    = "created"
)

// CustomerResolver maps an internal user to a stable gateway customer id.
//
// Resolution order, first hit wins: the user's profile, a legacy profile
// keyed by the alternate user reference, a unique gateway customer with the
// user's email, and finally a newly created customer. The winning reference
// is persisted onto the profile before it is returned.
type CustomerResolver struct {
	profiles ProfileStore
	gateway  CustomerGateway
	logger   *slog.Logger
	inflight singleflight.Group
}

// NewCustomerResolver creates a CustomerResolver.
func NewCustomerResolver(profiles ProfileStore, gateway CustomerGateway, logger *slog.Logger) *CustomerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerResolver{profiles: profiles, gateway: gateway, logger: logger}
}

// Resolve returns the user's customer id, creating a gateway customer if no
// existing one can be found. Concurrent calls for the same user in this
// process share one resolution.
func (r *CustomerResolver) Resolve(ctx context.Context, userID, email string) (string, error) {
	return r.shared(ctx, "resolve:"+userID, userID, email, true)
}

// Lookup runs the same chain as Resolve but never creates a customer.
// A user with no discoverable customer yields ErrCodeNotFoundCustomer.
func (r *CustomerResolver) Lookup(ctx context.Context, userID, email string) (string, error) {
	return r.shared(ctx, "lookup:"+userID, userID, email, false)
}

// shared runs one resolution per key. The resolution is detached from the
// cancellation of whichever caller started it, so every caller that joined
// gets its result; each caller still stops waiting when its own ctx ends.
func (r *CustomerResolver) shared(ctx context.Context, key, userID, email string, create bool) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.inflight.DoChan(key, func() (any, error) {
		return r.resolve(detached, userID, email, create)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "request ended before the billing customer was resolved", ctx.Err())
	}
}

func (r *CustomerResolver) resolve(ctx context.Context, userID, email string, create bool) (string, error) {
	if userID == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "an authenticated user is required", nil)
	}

	profile, err := r.profiles.GetByUserID(ctx, userID)
	if err != nil && !isCode(err, types.ErrCodeNotFoundProfile) {
		return "", err
	}
	if profile.HasCustomer() {
		return *profile.CustomerID, nil
	}
	if email == "" && profile != nil {
		email = profile.Email
	}

	candidate, source, err := r.discover(ctx, userID, email)
	if err != nil {
		return "", err
	}

	if candidate == "" {
		if !create {
			return "", types.NewAppError(types.ErrCodeNotFoundCustomer, "no billing customer exists for this account", nil)
		}
		if candidate, err = r.gateway.CreateCustomer(ctx, userID, email); err != nil {
			return "", err
		}
		source = sourceCreated
	}

	stored, err := r.persist(ctx, userID, email, candidate, source)
	if err == nil {
		return stored, nil
	}
	if !isCode(err, types.ErrCodeConflictCustomerMapping) {
		return "", err
	}

	// The candidate is mapped to another profile. Re-read ours: a concurrent
	// resolution may have assigned one in the meantime.
	profile, rerr := r.profiles.GetByUserID(ctx, userID)
	if rerr != nil && !isCode(rerr, types.ErrCodeNotFoundProfile) {
		return "", rerr
	}
	if profile.HasCustomer() {
		return *profile.CustomerID, nil
	}
	if source == sourceCreated {
		return "", err
	}
	if !create {
		return "", types.NewAppError(types.ErrCodeNotFoundCustomer, "no billing customer exists for this account", err)
	}

	r.logger.WarnContext(ctx, "matched customer belongs to another account; creating a new one",
		slog.String("user_id", userID),
		slog.String("customer_id", candidate),
		slog.String("source", source),
	)
	created, cerr := r.gateway.CreateCustomer(ctx, userID, email)
	if cerr != nil {
		return "", cerr
	}
	return r.persist(ctx, userID, email, created, sourceCreated)
}

// discover walks the non-creating steps of the chain.
func (r *CustomerResolver) discover(ctx context.Context, userID, email string) (string, string, error) {
	alt, err := r.profiles.GetByAltUserRef(ctx, userID)
	if err != nil && !isCode(err, types.ErrCodeNotFoundProfile) {
		return "", "", err
	}
	if alt.HasCustomer() {
		return *alt.CustomerID, sourceAltUserRef, nil
	}

	if email == "" {
		return "", "", nil
	}
	customers, err := r.gateway.FindCustomersByEmail(ctx, email)
	if err != nil {
		return "", "", err
	}
	if id := pickCustomer(customers, userID); id != "" {
		return id, sourceEmail, nil
	}
	if len(customers) > 1 {
		r.logger.InfoContext(ctx, "ambiguous customer email match; not adopting",
			slog.String("user_id", userID),
			slog.Int("matches", len(customers)),
		)
	}
	return "", "", nil
}

// pickCustomer adopts a single email match, or among several the one tagged
// with this user's id.
func pickCustomer(customers []types.CustomerRecord, userID string) string {
	if len(customers) == 1 {
		return customers[0].ID
	}
	var tagged string
	for _, c := range customers {
		if c.Metadata[external.MetadataUserID] == userID {
			if tagged != "" {
				return ""
			}
			tagged = c.ID
		}
	}
	return tagged
}

func (r *CustomerResolver) persist(ctx context.Context, userID, email, customerID, source string) (string, error) {
	stored, err := r.profiles.AssignCustomerID(ctx, userID, email, customerID)
	if err != nil {
		return "", err
	}
	r.logger.InfoContext(ctx, "resolved billing customer",
		slog.String("user_id", userID),
		slog.String("customer_id", stored),
		slog.String("source", source),
	)
	return stored, nil
}

func isCode(err error, code types.ErrorCode) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
