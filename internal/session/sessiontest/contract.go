// Package sessiontest holds the behaviour every session.Store backend must
// share. Backends call Run from their own tests.
package sessiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/walletconnect"
)

// Factory returns an empty store; it is closed by the suite.
type Factory func(t *testing.T) session.Store

func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, st session.Store)
	}{
		{"SaveGet", testSaveGet},
		{"SaveIsUpsert", testSaveIsUpsert},
		{"GetAbsent", testGetAbsent},
		{"UpdateMerges", testUpdateMerges},
		{"UpdateNotFound", testUpdateNotFound},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"ListFilterSortPage", testList},
		{"SweepExpired", testSweepExpired},
		{"SweepConcurrentWithSave", testSweepConcurrent},
		{"Health", testHealth},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			st := newStore(t)
			defer func() { _ = st.Close() }()
			tc.fn(t, st)
		})
	}
}

// NewActive builds an approved session with a restore state and namespaces.
func NewActive(userID string, lastActivity time.Time) *session.Session {
	now := lastActivity.Truncate(time.Millisecond)
	s := session.New(userID, 1, now)
	s.Topic = "topic-" + userID
	s.Address = "0x52908400098527886E0F7030069857D2E4169EE7"
	s.IsActive = true
	s.Payload = &session.Payload{
		Accounts: []string{"eip155:1:" + s.Address},
		Namespaces: map[string]walletconnect.Namespace{
			"eip155": {
				Chains:   []string{"eip155:1"},
				Accounts: []string{"eip155:1:" + s.Address},
				Methods:  []string{"eth_sendTransaction", "personal_sign"},
				Events:   []string{"chainChanged"},
			},
		},
		Peer:         &walletconnect.Metadata{Name: "MetaMask", URL: "https://metamask.io"},
		RestoreState: walletconnect.RestoreState{"key": "00ff", "peerId": "peer-" + userID},
	}
	return s
}

func testSaveGet(t *testing.T, st session.Store) {
	ctx := context.Background()
	want := NewActive("u1", time.Now())
	require.NoError(t, st.Save(ctx, want))

	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Topic, got.Topic)
	assert.Equal(t, want.Address, got.Address)
	assert.Equal(t, want.ChainID, got.ChainID)
	assert.True(t, got.IsActive)
	assert.True(t, want.LastActivity.Equal(got.LastActivity))
	require.NotNil(t, got.Payload)
	assert.Equal(t, want.Payload.Namespaces, got.Payload.Namespaces)
	assert.Equal(t, want.Payload.RestoreState, got.Payload.RestoreState)
	assert.Equal(t, "MetaMask", got.Payload.Peer.Name)
}

func testSaveIsUpsert(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := session.New("u1", 1, time.Now())
	require.NoError(t, st.Save(ctx, s))
	require.NoError(t, st.Save(ctx, s))

	s.Topic = "t1"
	s.IsActive = true
	require.NoError(t, st.Save(ctx, s))

	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Topic)

	res, err := st.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func testGetAbsent(t *testing.T, st session.Store) {
	got, err := st.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testUpdateMerges(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := session.New("u1", 1, time.Now().Add(-time.Hour))
	require.NoError(t, st.Save(ctx, s))

	topic, addr, active := "t-new", "0xabc", true
	require.NoError(t, st.Update(ctx, "u1", session.Update{Topic: &topic, Address: &addr, IsActive: &active}))

	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t-new", got.Topic)
	assert.Equal(t, "0xabc", got.Address)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.ChainID, "untouched fields survive")
	assert.True(t, got.UpdatedAt.After(s.UpdatedAt))
}

func testUpdateNotFound(t *testing.T, st session.Store) {
	active := true
	err := st.Update(context.Background(), "ghost", session.Update{IsActive: &active})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testDeleteIdempotent(t *testing.T, st session.Store) {
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, NewActive("u1", time.Now())))
	require.NoError(t, st.Delete(ctx, "u1"))
	require.NoError(t, st.Delete(ctx, "u1"))
	require.NoError(t, st.Delete(ctx, "ghost"))

	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testList(t *testing.T, st session.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for i, id := range []string{"c", "a", "d", "b"} {
		s := NewActive(id, base.Add(time.Duration(i)*time.Minute))
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if id == "d" {
			s.IsActive = false
			s.Topic = ""
		}
		require.NoError(t, st.Save(ctx, s))
	}

	all, err := st.List(ctx, session.ListOptions{SortBy: session.SortByUserID})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(all.Sessions))

	active := true
	page, err := st.List(ctx, session.ListOptions{
		Filter: session.Filter{Active: &active},
		SortBy: session.SortByCreatedAt,
		Desc:   true,
		Limit:  2,
		Offset: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{"a", "c"}, ids(page.Sessions))

	beyond, err := st.List(ctx, session.ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, beyond.Total)
	assert.Empty(t, beyond.Sessions)
}

func testSweepExpired(t *testing.T, st session.Store) {
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.Save(ctx, NewActive("fresh", now.Add(-time.Millisecond))))
	require.NoError(t, st.Save(ctx, NewActive("old", now.Add(-25*time.Hour))))
	require.NoError(t, st.Save(ctx, NewActive("older", now.Add(-30*time.Hour))))

	n, err := st.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := st.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(res.Sessions))

	n, err = st.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testSweepConcurrent(t *testing.T, st session.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			assert.NoError(t, st.Save(ctx, NewActive(id, time.Now())))
		}()
		go func() {
			defer wg.Done()
			_, err := st.SweepExpired(ctx, time.Hour)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	res, err := st.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Total)
}

func testHealth(t *testing.T, st session.Store) {
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, NewActive("u1", time.Now())))
	require.NoError(t, st.Save(ctx, NewActive("u2", time.Now())))
	h := st.Health(ctx)
	assert.True(t, h.Connected)
	assert.Equal(t, 2, h.RecordCount)
	assert.Empty(t, h.Error)
	assert.GreaterOrEqual(t, int64(h.ResponseTime), int64(0))
}

func ids(list []*session.Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.UserID)
	}
	return out
}
