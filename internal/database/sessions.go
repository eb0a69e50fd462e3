package database

import (
	"context"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/pkg/errors"
)

type SessionRecord struct {
	UserID       string       `gorm:"primaryKey;type:varchar(255)"`
	Topic        string       `gorm:"type:varchar(255);index"`
	Address      string       `gorm:"type:varchar(100);index"`
	ChainID      int          `gorm:"type:int8"`
	Payload      *JSONPayload `gorm:"type:text"`
	IsActive     bool         `gorm:"index"`
	CreatedAt    time.Time    `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime:false"`
	LastActivity time.Time    `gorm:"index"`
}

func (SessionRecord) TableName() string {
	return "wallet_sessions"
}

func newSessionRecord(s *session.Session) *SessionRecord {
	rec := &SessionRecord{
		UserID:       s.UserID,
		Topic:        s.Topic,
		Address:      s.Address,
		ChainID:      s.ChainID,
		IsActive:     s.IsActive,
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
		LastActivity: s.LastActivity.UTC(),
	}
	if s.Payload != nil {
		p := JSONPayload(*s.Payload.Clone())
		rec.Payload = &p
	}
	return rec
}

func (in *SessionRecord) session() *session.Session {
	s := &session.Session{
		UserID:       in.UserID,
		Topic:        in.Topic,
		Address:      in.Address,
		ChainID:      in.ChainID,
		IsActive:     in.IsActive,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.UpdatedAt,
		LastActivity: in.LastActivity,
	}
	if in.Payload != nil {
		p := session.Payload(*in.Payload)
		s.Payload = &p
	}
	return s
}

// SessionStore persists sessions in one relational table keyed by user id.
type SessionStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(newSessionRecord(sess)).Error
	return errors.Wrapf(err, "save session %v", sess.UserID)
}

func (s *SessionStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	var entity SessionRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query session %v", userID)
	}
	return entity.session(), nil
}

func (s *SessionStore) List(ctx context.Context, opts session.ListOptions) (*session.ListResult, error) {
	var total int64
	err := s.filtered(ctx, opts.Filter).Count(&total).Error
	if err != nil {
		return nil, errors.Wrap(err, "count sessions")
	}

	q := s.filtered(ctx, opts.Filter).
		Order(clause.OrderByColumn{Column: clause.Column{Name: string(session.ValidSortField(string(opts.SortBy)))}, Desc: opts.Desc}).
		Order("user_id")
	limit := opts.Limit
	if limit <= 0 && opts.Offset > 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var entities []*SessionRecord
	if err := q.Find(&entities).Error; err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	res := &session.ListResult{Total: int(total), Sessions: make([]*session.Session, 0, len(entities))}
	for _, e := range entities {
		res.Sessions = append(res.Sessions, e.session())
	}
	return res, nil
}

func (s *SessionStore) filtered(ctx context.Context, f session.Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&SessionRecord{})
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}
	if f.Address != "" {
		q = q.Where("LOWER(address) = LOWER(?)", f.Address)
	}
	if f.ChainID != 0 {
		q = q.Where("chain_id = ?", f.ChainID)
	}
	return q
}

func (s *SessionStore) Update(ctx context.Context, userID string, u session.Update) error {
	// 时间统一存为UTC，sqlite按字符串比较
	values := map[string]interface{}{"updated_at": s.now().UTC()}
	if u.Topic != nil {
		values["topic"] = *u.Topic
	}
	if u.Address != nil {
		values["address"] = *u.Address
	}
	if u.ChainID != nil {
		values["chain_id"] = *u.ChainID
	}
	if u.Payload != nil {
		p := JSONPayload(*u.Payload.Clone())
		values["payload"] = &p
	}
	if u.IsActive != nil {
		values["is_active"] = *u.IsActive
	}
	if u.LastActivity != nil {
		values["last_activity"] = u.LastActivity.UTC()
	}
	res := s.db.WithContext(ctx).Model(&SessionRecord{}).Where("user_id = ?", userID).Updates(values)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update session %v", userID)
	}
	if res.RowsAffected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&SessionRecord{}).Error
	return errors.Wrapf(err, "delete session %v", userID)
}

func (s *SessionStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UTC()
	res := s.db.WithContext(ctx).Where("last_activity < ?", cutoff).Delete(&SessionRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "sweep expired sessions")
	}
	return int(res.RowsAffected), nil
}

func (s *SessionStore) Health(ctx context.Context) session.Health {
	start := time.Now()
	h := session.Health{}
	db, err := s.db.DB()
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		h.Error = err.Error()
		h.ResponseTime = time.Since(start)
		return h
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&SessionRecord{}).Count(&count).Error; err != nil {
		h.Error = err.Error()
	} else {
		h.Connected = true
		h.RecordCount = int(count)
	}
	h.ResponseTime = time.Since(start)
	return h
}

func (s *SessionStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

var _ session.Store = (*SessionStore)(nil)
