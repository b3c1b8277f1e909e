// Package handlers contains the HTTP handler implementations for the billing
// sync API.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/core"
	"billingsync/internal/types"
)

// SessionCreator creates hosted checkout and portal sessions.
type SessionCreator interface {
	CreateCheckout(ctx context.Context, actor types.Actor, in billing.CheckoutInput) (string, error)
	CreatePortal(ctx context.Context, actor types.Actor, returnPath string) (string, error)
}

// StatusQuerier answers live subscription status queries.
type StatusQuerier interface {
	Query(ctx context.Context, actor *types.Actor) (types.StatusResult, error)
}

// AuthMiddleware provides the per-route authentication wrappers.
// *core.Server satisfies it.
type AuthMiddleware interface {
	RequireAuth(next http.Handler) http.Handler
	OptionalAuth(next http.Handler) http.Handler
}

// CheckoutRequest is the body of POST /v1/billing/checkout.
type CheckoutRequest struct {
	Tier        string `json:"tier" validate:"required,max=64"`
	SuccessPath string `json:"successPath,omitempty" validate:"max=512,app_path"`
	CancelPath  string `json:"cancelPath,omitempty" validate:"max=512,app_path"`
}

// PortalRequest is the optional body of POST /v1/billing/portal.
type PortalRequest struct {
	ReturnPath string `json:"returnPath,omitempty" validate:"max=512,app_path"`
}

// SessionResponse carries the hosted page URL the client redirects to.
type SessionResponse struct {
	URL string `json:"url"`
}

// BillingHandler serves the caller-initiated billing endpoints.
type BillingHandler struct {
	sessions  SessionCreator
	status    StatusQuerier
	auth      AuthMiddleware
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	sessions SessionCreator,
	status StatusQuerier,
	auth AuthMiddleware,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		sessions:  sessions,
		status:    status,
		auth:      auth,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing endpoints. Session creation requires a
// bearer token; the status query also serves anonymous callers.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.Post("/billing/checkout", h.CreateCheckout)
		r.Post("/billing/portal", h.CreatePortal)
	})
	r.With(h.auth.OptionalAuth).Get("/billing/status", h.GetStatus)
}

// CreateCheckout handles POST /v1/billing/checkout.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.sessions.CreateCheckout(r.Context(), actor, billing.CheckoutInput{
		Tier:        types.Tier(req.Tier),
		SuccessPath: req.SuccessPath,
		CancelPath:  req.CancelPath,
	})
	if err != nil {
		h.logFailure(r, "checkout session creation failed", actor, err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, SessionResponse{URL: url})
}

// CreatePortal handles POST /v1/billing/portal. An empty body selects the
// default return path.
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return
	}

	var req PortalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.sessions.CreatePortal(r.Context(), actor, req.ReturnPath)
	if err != nil {
		h.logFailure(r, "portal session creation failed", actor, err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, SessionResponse{URL: url})
}

// GetStatus handles GET /v1/billing/status. Callers without a customer or an
// active subscription get subscribed=false, never an error.
func (h *BillingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var caller *types.Actor
	if actor, ok := types.GetActor(r.Context()); ok {
		caller = &actor
	}

	result, err := h.status.Query(r.Context(), caller)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "subscription status query failed",
			"authenticated", caller != nil,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, result)
}

func (h *BillingHandler) logFailure(r *http.Request, msg string, actor types.Actor, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus() < http.StatusInternalServerError {
		h.logger.InfoContext(r.Context(), msg,
			"user_id", actor.UserID,
			"code", appErr.Code,
		)
		return
	}
	h.logger.ErrorContext(r.Context(), msg,
		"user_id", actor.UserID,
		"error", err,
	)
}
