package account

import (
	"context"
	"testing"
	"time"

	"cloudcollab/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextAccount(t *testing.T, ch <-chan *store.Account) *store.Account {
	t.Helper()
	select {
	case acc := <-ch:
		return acc
	case <-time.After(time.Second):
		t.Fatal("no account emitted")
		return nil
	}
}

func TestSession_EmitsNilOnLogout(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	auth, err := svc.Signup(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)
	acc, claims, err := svc.Authenticate(ctx, auth.Token)
	require.NoError(t, err)

	sess := svc.NewSession(acc, claims)
	sess.Init()
	defer sess.Close()

	ch, cancel := sess.Subscribe()
	defer cancel()

	first := nextAccount(t, ch)
	require.NotNil(t, first)
	assert.Equal(t, acc.ID, first.ID)

	require.NoError(t, svc.Logout(ctx, auth.Token))

	assert.Nil(t, nextAccount(t, ch))
	assert.Nil(t, sess.Current())
}

func TestSession_IgnoresOtherTokens(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Signup(ctx, "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)
	second, err := svc.Login(ctx, "ann@example.com", "secret1")
	require.NoError(t, err)

	acc, claims, err := svc.Authenticate(ctx, first.Token)
	require.NoError(t, err)
	sess := svc.NewSession(acc, claims)
	sess.Init()
	defer sess.Close()

	require.NoError(t, svc.Logout(ctx, second.Token))

	time.Sleep(50 * time.Millisecond)
	assert.NotNil(t, sess.Current())
}

func TestSession_CloseClosesSubscribers(t *testing.T) {
	svc := newTestService(t)
	sess := svc.NewSession(store.Account{ID: "u1"}, &Claims{AccountID: "u1"})
	sess.Init()

	ch, cancel := sess.Subscribe()
	<-ch
	sess.Close()
	sess.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)
}
