package session

import (
	"context"
	"sort"
	"strings"
	"time"

	"moff.io/wallet-gateway/pkg/errors"
)

// ErrNotFound is returned by Update when no record exists for the user id.
var ErrNotFound = errors.New("session not found")

// Store is the durable mapping user id -> Session. Implementations must be
// safe for concurrent use; last writer wins across records.
type Store interface {
	// Save upserts by user id.
	Save(ctx context.Context, s *Session) error
	// Get returns nil, nil when absent.
	Get(ctx context.Context, userID string) (*Session, error)
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Update merges fields into an existing record or returns ErrNotFound.
	Update(ctx context.Context, userID string, u Update) error
	// Delete is idempotent.
	Delete(ctx context.Context, userID string) error
	// SweepExpired deletes records whose LastActivity precedes now-maxAge.
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
	Health(ctx context.Context) Health
	Close() error
}

type SortField string

const (
	SortByCreatedAt    SortField = "created_at"
	SortByUpdatedAt    SortField = "updated_at"
	SortByLastActivity SortField = "last_activity"
	SortByUserID       SortField = "user_id"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	Active  *bool
	Address string
	ChainID int
}

func (f Filter) Match(s *Session) bool {
	if f.Active != nil && s.IsActive != *f.Active {
		return false
	}
	if f.Address != "" && !strings.EqualFold(f.Address, s.Address) {
		return false
	}
	if f.ChainID != 0 && f.ChainID != s.ChainID {
		return false
	}
	return true
}

type ListOptions struct {
	Filter Filter
	SortBy SortField
	Desc   bool
	Limit  int
	Offset int
}

// ListResult carries one page and the total count before pagination.
type ListResult struct {
	Sessions []*Session
	Total    int
}

type Health struct {
	Connected    bool
	ResponseTime time.Duration
	RecordCount  int
	Error        string
}

// Page filters, sorts and paginates in process. Used by backends without
// server-side querying.
func Page(all []*Session, opts ListOptions) *ListResult {
	matched := make([]*Session, 0, len(all))
	for _, s := range all {
		if opts.Filter.Match(s) {
			matched = append(matched, s)
		}
	}
	sortSessions(matched, opts.SortBy, opts.Desc)

	res := &ListResult{Total: len(matched)}
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(matched) {
		res.Sessions = []*Session{}
		return res
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	res.Sessions = matched[start:end]
	return res
}

func sortSessions(list []*Session, field SortField, desc bool) {
	less := func(a, b *Session) bool {
		switch field {
		case SortByUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortByLastActivity:
			return a.LastActivity.Before(b.LastActivity)
		case SortByUserID:
			return a.UserID < b.UserID
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if desc {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}

// ValidSortField maps user input to a known field, defaulting to created_at.
func ValidSortField(s string) SortField {
	switch SortField(s) {
	case SortByUpdatedAt, SortByLastActivity, SortByUserID:
		return SortField(s)
	default:
		return SortByCreatedAt
	}
}
