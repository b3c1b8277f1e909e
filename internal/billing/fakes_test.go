package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected *types.AppError, got %T: %v", err, err)
	require.Equal(t, code, appErr.Code)
}

// memStore is an in-memory ProfileStore with the same write guards as the
// SQL repository: customer references are never overwritten, a customer maps
// to at most one primary profile, and older events never replace newer ones.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]*types.AccountProfile

	readErr    error
	pendingErr error
	assigns    int
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]*types.AccountProfile)}
}

func (m *memStore) put(p types.AccountProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = &p
}

func (m *memStore) get(userID string) *types.AccountProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *memStore) GetByUserID(_ context.Context, userID string) (*types.AccountProfile, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	if p := m.get(userID); p != nil {
		return p, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "account profile not found", nil)
}

func (m *memStore) GetByAltUserRef(_ context.Context, userID string) (*types.AccountProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.AltUserRef != nil && *p.AltUserRef == userID && p.HasCustomer() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "account profile not found", nil)
}

func (m *memStore) AssignCustomerID(_ context.Context, userID, email, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigns++

	p, ok := m.profiles[userID]
	if ok && p.HasCustomer() {
		return *p.CustomerID, nil
	}
	for id, other := range m.profiles {
		if id != userID && other.AltUserRef == nil && other.CustomerID != nil && *other.CustomerID == customerID {
			return "", types.NewAppError(types.ErrCodeConflictCustomerMapping, "customer is already mapped to another account", nil)
		}
	}
	if !ok {
		p = &types.AccountProfile{UserID: userID}
		m.profiles[userID] = p
	}
	if p.Email == "" {
		p.Email = email
	}
	c := customerID
	p.CustomerID = &c
	return c, nil
}

func (m *memStore) SetPendingTier(_ context.Context, userID string, tier types.Tier) error {
	if m.pendingErr != nil {
		return m.pendingErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundProfile, "account profile not found", nil)
	}
	p.Tier = &tier
	return nil
}

func (m *memStore) ApplySubscriptionState(_ context.Context, state types.SubscriptionState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := false
	for _, p := range m.profiles {
		if p.CustomerID == nil || *p.CustomerID != state.CustomerID {
			continue
		}
		if applyState(p, state) {
			applied = true
		}
	}
	return applied, nil
}

func (m *memStore) LinkCustomerByUserID(_ context.Context, userID string, state types.SubscriptionState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok || (p.CustomerID != nil && *p.CustomerID != state.CustomerID) {
		return false, nil
	}
	if !applyState(p, state) {
		return false, nil
	}
	c := state.CustomerID
	p.CustomerID = &c
	return true, nil
}

func applyState(p *types.AccountProfile, state types.SubscriptionState) bool {
	if p.LastEventAt != nil && p.LastEventAt.After(state.EventAt) {
		return false
	}
	status := state.Status
	p.Status = &status
	switch {
	case state.ClearTier:
		p.Tier = nil
	case state.Tier != nil:
		tier := *state.Tier
		p.Tier = &tier
	}
	if state.CurrentPeriodEnd != nil {
		end := *state.CurrentPeriodEnd
		p.CurrentPeriodEnd = &end
	}
	at := state.EventAt
	p.LastEventAt = &at
	return true
}

// fakeGateway is an in-memory payment gateway.
type fakeGateway struct {
	mu        sync.Mutex
	customers []types.CustomerRecord
	subs      map[string]*types.SubscriptionSnapshot
	active    map[string]*types.SubscriptionSnapshot
	created   int
	lookups   int
	checkouts []external.CheckoutRequest
	portals   []string
	err       error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subs:   make(map[string]*types.SubscriptionSnapshot),
		active: make(map[string]*types.SubscriptionSnapshot),
	}
}

func (g *fakeGateway) addCustomer(id, email, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	md := map[string]string{}
	if userID != "" {
		md[external.MetadataUserID] = userID
	}
	g.customers = append(g.customers, types.CustomerRecord{ID: id, Email: email, Metadata: md})
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created + g.lookups + len(g.checkouts) + len(g.portals)
}

func (g *fakeGateway) FindCustomersByEmail(_ context.Context, email string) ([]types.CustomerRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.err != nil {
		return nil, g.err
	}
	var out []types.CustomerRecord
	for _, c := range g.customers {
		if c.Email == email {
			out = append(out, c)
		}
	}
	return out, nil
}

func (g *fakeGateway) CreateCustomer(_ context.Context, userID, email string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.created++
	id := fmt.Sprintf("cus_new_%d", g.created)
	g.customers = append(g.customers, types.CustomerRecord{
		ID:       id,
		Email:    email,
		Metadata: map[string]string{external.MetadataUserID: userID},
	})
	return id, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req external.CheckoutRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.checkouts = append(g.checkouts, req)
	return "https://checkout.stripe.test/c/" + req.CustomerID, nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.portals = append(g.portals, returnURL)
	return "https://billing.stripe.test/p/" + customerID, nil
}

func (g *fakeGateway) GetSubscription(_ context.Context, subscriptionID string) (*types.SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	sub, ok := g.subs[subscriptionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "No such subscription", nil)
	}
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) FindActiveSubscription(_ context.Context, customerID string) (*types.SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	sub, ok := g.active[customerID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

var (
	_ ProfileStore = (*memStore)(nil)
	_ Gateway      = (*fakeGateway)(nil)
)
