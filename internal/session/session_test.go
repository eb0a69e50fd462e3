package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func activeAt(last time.Time) *Session {
	s := New("u1", 1, last)
	s.Topic = "abc"
	s.IsActive = true
	return s
}

func TestValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		s    *Session
		want bool
	}{
		{"nil", nil, false},
		{"pending", New("u1", 1, now), false},
		{"active", activeAt(now), true},
		{"active without topic", func() *Session { s := activeAt(now); s.Topic = ""; return s }(), false},
		{"at max age", activeAt(now.Add(-DefaultMaxAge)), true},
		{"one ms beyond max age", activeAt(now.Add(-(DefaultMaxAge + time.Millisecond))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Valid(now, DefaultMaxAge))
		})
	}
}

func TestValid_LostWithTime(t *testing.T) {
	start := time.Now()
	s := activeAt(start)
	assert.True(t, s.Valid(start.Add(time.Hour), DefaultMaxAge))
	assert.False(t, s.Valid(start.Add(DefaultMaxAge+time.Millisecond), DefaultMaxAge))
	assert.True(t, s.IsActive, "the flag itself is not what decides validity")
}

func TestState(t *testing.T) {
	now := time.Now()
	assert.Equal(t, StatePending, New("u1", 1, now).State(now, DefaultMaxAge))
	assert.Equal(t, StateActive, activeAt(now).State(now, DefaultMaxAge))
	assert.Equal(t, StateExpired, activeAt(now.Add(-25*time.Hour)).State(now, DefaultMaxAge))
}

func TestUpdateApply(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	s := New("u1", 1, created)
	topic, chain := "t", 137
	now := time.Now()

	Update{Topic: &topic, ChainID: &chain}.Apply(s, now)
	assert.Equal(t, "t", s.Topic)
	assert.Equal(t, 137, s.ChainID)
	assert.Equal(t, now, s.UpdatedAt)
	assert.Equal(t, created, s.LastActivity)

	later := now.Add(time.Second)
	Touch(later).Apply(s, later)
	assert.Equal(t, later, s.LastActivity)
}

func TestPage_Defaults(t *testing.T) {
	now := time.Now()
	a := New("a", 1, now.Add(time.Second))
	b := New("b", 56, now)
	res := Page([]*Session{a, b}, ListOptions{})
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, "b", res.Sessions[0].UserID)

	res = Page([]*Session{a, b}, ListOptions{Filter: Filter{ChainID: 56}})
	assert.Equal(t, 1, res.Total)

	assert.Equal(t, SortByCreatedAt, ValidSortField("drop table"))
	assert.Equal(t, SortByLastActivity, ValidSortField("last_activity"))
}
