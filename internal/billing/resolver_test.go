package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/types"
)

func newTestResolver() (*CustomerResolver, *memStore, *fakeGateway) {
	store := newMemStore()
	gw := newFakeGateway()
	return NewCustomerResolver(store, gw, discardLogger()), store, gw
}

func TestResolve_ExistingProfileSkipsGateway(t *testing.T) {
	r, store, gw := newTestResolver()
	store.put(types.AccountProfile{UserID: "user_1", Email: "a@example.com", CustomerID: strPtr("cus_1")})

	id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)
	assert.Zero(t, gw.calls())
}

func TestResolve_AdoptsAltUserRef(t *testing.T) {
	r, store, gw := newTestResolver()
	store.put(types.AccountProfile{UserID: "legacy_9", AltUserRef: strPtr("user_1"), CustomerID: strPtr("cus_legacy")})

	id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_legacy", id)
	assert.Zero(t, gw.calls())
	assert.Equal(t, "cus_legacy", *store.get("user_1").CustomerID)
}

func TestResolve_AdoptsSingleEmailMatch(t *testing.T) {
	r, store, gw := newTestResolver()
	gw.addCustomer("cus_email", "a@example.com", "")

	id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_email", id)
	assert.Zero(t, gw.created)

	p := store.get("user_1")
	require.NotNil(t, p)
	assert.Equal(t, "cus_email", *p.CustomerID)
	assert.Equal(t, "a@example.com", p.Email)
}

func TestResolve_AmbiguousEmail(t *testing.T) {
	t.Run("tagged match wins", func(t *testing.T) {
		r, _, gw := newTestResolver()
		gw.addCustomer("cus_a", "a@example.com", "someone_else")
		gw.addCustomer("cus_b", "a@example.com", "user_1")

		id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_b", id)
		assert.Zero(t, gw.created)
	})

	t.Run("untagged matches create a new customer", func(t *testing.T) {
		r, _, gw := newTestResolver()
		gw.addCustomer("cus_a", "a@example.com", "")
		gw.addCustomer("cus_b", "a@example.com", "")

		id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_new_1", id)
		assert.Equal(t, 1, gw.created)
	})
}

func TestResolve_CreatesOnceAndIsIdempotent(t *testing.T) {
	r, store, gw := newTestResolver()

	for i := 0; i < 5; i++ {
		userID := fmt.Sprintf("user_%d", i)
		email := fmt.Sprintf("u%d@example.com", i)

		first, err := r.Resolve(context.Background(), userID, email)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			again, err := r.Resolve(context.Background(), userID, email)
			require.NoError(t, err)
			assert.Equal(t, first, again, "resolution for %s must be stable", userID)
		}
		assert.Equal(t, first, *store.get(userID).CustomerID)
	}
	assert.Equal(t, 5, gw.created)
}

func TestResolve_ConcurrentCallsShareOneCustomer(t *testing.T) {
	r, _, gw := newTestResolver()

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
			assert.NoError(t, err)
			results[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
	assert.Equal(t, 1, gw.created)
}

// blockingGateway holds CreateCustomer until release is closed and fails the
// call if the context it was handed has been canceled by then.
type blockingGateway struct {
	*fakeGateway
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (g *blockingGateway) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "canceled", err)
	}
	return g.fakeGateway.CreateCustomer(ctx, userID, email)
}

func TestResolve_CanceledCallerDoesNotFailJoinedCaller(t *testing.T) {
	store := newMemStore()
	gw := &blockingGateway{
		fakeGateway: newFakeGateway(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	r := NewCustomerResolver(store, gw, discardLogger())

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, "user_1", "a@example.com")
		errA <- err
	}()
	<-gw.entered

	type result struct {
		id  string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		id, err := r.Resolve(context.Background(), "user_1", "a@example.com")
		resB <- result{id, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.Error(t, err, "the canceled caller stops waiting")
	case <-time.After(time.Second):
		t.Fatal("canceled caller still blocked")
	}

	close(gw.release)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, "cus_new_1", res.id)
	case <-time.After(time.Second):
		t.Fatal("joined caller never completed")
	}

	assert.Equal(t, 1, gw.created)
	require.NotNil(t, store.get("user_1"))
	assert.Equal(t, "cus_new_1", *store.get("user_1").CustomerID)
}

func TestResolve_EmailMatchOwnedByAnotherAccount(t *testing.T) {
	r, store, gw := newTestResolver()
	gw.addCustomer("cus_shared", "shared@example.com", "")
	store.put(types.AccountProfile{UserID: "user_other", Email: "shared@example.com", CustomerID: strPtr("cus_shared")})

	id, err := r.Resolve(context.Background(), "user_1", "shared@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_new_1", id)
	assert.Equal(t, "cus_shared", *store.get("user_other").CustomerID)
}

func TestResolve_UsesStoredEmailWhenCallerHasNone(t *testing.T) {
	r, store, gw := newTestResolver()
	store.put(types.AccountProfile{UserID: "user_1", Email: "stored@example.com"})
	gw.addCustomer("cus_email", "stored@example.com", "")

	id, err := r.Resolve(context.Background(), "user_1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_email", id)
}

func TestResolve_GatewayErrorIsTerminal(t *testing.T) {
	r, store, gw := newTestResolver()
	gw.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "payment gateway request failed", nil)

	_, err := r.Resolve(context.Background(), "user_1", "a@example.com")
	requireCode(t, err, types.ErrCodeUpstreamUnavailable)
	assert.Nil(t, store.get("user_1"))
}

func TestResolve_RequiresUser(t *testing.T) {
	r, _, _ := newTestResolver()
	_, err := r.Resolve(context.Background(), "", "a@example.com")
	requireCode(t, err, types.ErrCodeAuthTokenMissing)
}

func TestLookup_NeverCreates(t *testing.T) {
	r, store, gw := newTestResolver()

	_, err := r.Lookup(context.Background(), "user_1", "a@example.com")
	requireCode(t, err, types.ErrCodeNotFoundCustomer)
	assert.Zero(t, gw.created)
	assert.Nil(t, store.get("user_1"))
}

func TestLookup_RefusesCustomerOfAnotherAccount(t *testing.T) {
	r, store, gw := newTestResolver()
	gw.addCustomer("cus_shared", "shared@example.com", "")
	store.put(types.AccountProfile{UserID: "user_other", CustomerID: strPtr("cus_shared")})

	_, err := r.Lookup(context.Background(), "user_1", "shared@example.com")
	requireCode(t, err, types.ErrCodeNotFoundCustomer)
	assert.Zero(t, gw.created)
}

func TestPickCustomer(t *testing.T) {
	tagged := func(id, user string) types.CustomerRecord {
		return types.CustomerRecord{ID: id, Metadata: map[string]string{"user_id": user}}
	}
	tests := []struct {
		name      string
		customers []types.CustomerRecord
		want      string
	}{
		{"none", nil, ""},
		{"single untagged", []types.CustomerRecord{{ID: "cus_1"}}, "cus_1"},
		{"single tagged for someone else", []types.CustomerRecord{tagged("cus_1", "user_x")}, "cus_1"},
		{"two, one tagged", []types.CustomerRecord{{ID: "cus_1"}, tagged("cus_2", "user_1")}, "cus_2"},
		{"two, both tagged", []types.CustomerRecord{tagged("cus_1", "user_1"), tagged("cus_2", "user_1")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickCustomer(tt.customers, "user_1"))
		})
	}
}

func strPtr(s string) *string { return &s }
