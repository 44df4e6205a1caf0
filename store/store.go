// Package store is the single source of truth for budgets. Every write that
// touches a budget commits together with its ledger row.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/miladez1/mrzadmincr/errs"
	"github.com/miladez1/mrzadmincr/model"
)

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// Migrate creates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Principal{},
		&model.Subordinate{},
		&model.UsageEvent{},
		&model.NotificationRecord{},
		&model.ActivityLog{},
	)
}

// Transaction runs fn against a transaction-scoped store. Budget mutations
// and their ledger rows must go through this so denial rolls back both.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}

func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound("%s not found", what)
	}
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		return err
	}
	return errs.Persistence(err, "storage failure on %s", what)
}

// --- principals ---

func (s *Store) CreatePrincipal(p *model.Principal) error {
	return classify(s.db.Create(p).Error, "principal")
}

func (s *Store) PrincipalByID(id uint) (*model.Principal, error) {
	var p model.Principal
	if err := s.db.First(&p, id).Error; err != nil {
		return nil, classify(err, "principal")
	}
	return &p, nil
}

func (s *Store) PrincipalByTelegramID(telegramID int64) (*model.Principal, error) {
	var p model.Principal
	if err := s.db.Where("telegram_id = ?", telegramID).First(&p).Error; err != nil {
		return nil, classify(err, "principal")
	}
	return &p, nil
}

func (s *Store) PrincipalByRemoteUsername(remoteUsername string) (*model.Principal, error) {
	var p model.Principal
	if err := s.db.Where("remote_username = ?", remoteUsername).First(&p).Error; err != nil {
		return nil, classify(err, "principal")
	}
	return &p, nil
}

// SavePrincipalBudget persists a budget mutation together with its ledger
// row. Call inside Transaction.
func (s *Store) SavePrincipalBudget(p *model.Principal, deltaBytes int64, deltaEntities int32) error {
	if err := s.db.Model(p).Updates(map[string]any{
		"limit_bytes":   p.LimitBytes,
		"used_bytes":    p.UsedBytes,
		"max_entities":  p.MaxEntities,
		"used_entities": p.UsedEntities,
		"expires_at":    p.ExpiresAt,
	}).Error; err != nil {
		return classify(err, "principal budget")
	}
	return s.appendUsage(p.RemoteUsername, deltaBytes, deltaEntities)
}

func (s *Store) DeletePrincipal(id uint) error {
	return classify(s.db.Delete(&model.Principal{}, id).Error, "principal")
}

// ListPrincipals pages principals of one role. Page index is 0-based; an
// empty result set is one empty page, not an error.
func (s *Store) ListPrincipals(role string, page, pageSize int) ([]model.Principal, int, error) {
	q := s.db.Model(&model.Principal{})
	if role != "" {
		q = q.Where("role = ?", role)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, classify(err, "principal list")
	}
	var items []model.Principal
	if err := q.Order("id").Limit(pageSize).Offset(page * pageSize).Find(&items).Error; err != nil {
		return nil, 0, classify(err, "principal list")
	}
	return items, totalPages(count, pageSize), nil
}

func (s *Store) Superadmins() ([]model.Principal, error) {
	var items []model.Principal
	if err := s.db.Where("role = ?", model.RoleSuperadmin).Find(&items).Error; err != nil {
		return nil, classify(err, "superadmin list")
	}
	return items, nil
}

// --- subordinates ---

func (s *Store) CreateSubordinate(sub *model.Subordinate) error {
	if err := s.db.Create(sub).Error; err != nil {
		return classify(err, "subordinate")
	}
	return s.appendUsage(sub.RemoteUsername, int64(sub.LimitBytes), 0)
}

func (s *Store) SubordinateByID(id uint) (*model.Subordinate, error) {
	var sub model.Subordinate
	if err := s.db.First(&sub, id).Error; err != nil {
		return nil, classify(err, "subordinate")
	}
	return &sub, nil
}

func (s *Store) SubordinateByRemoteUsername(remoteUsername string) (*model.Subordinate, error) {
	var sub model.Subordinate
	if err := s.db.Where("remote_username = ?", remoteUsername).First(&sub).Error; err != nil {
		return nil, classify(err, "subordinate")
	}
	return &sub, nil
}

// SaveSubordinateBudget persists a budget mutation with its ledger row.
func (s *Store) SaveSubordinateBudget(sub *model.Subordinate, deltaBytes int64) error {
	if err := s.db.Model(sub).Updates(map[string]any{
		"limit_bytes": sub.LimitBytes,
		"used_bytes":  sub.UsedBytes,
		"expires_at":  sub.ExpiresAt,
	}).Error; err != nil {
		return classify(err, "subordinate budget")
	}
	return s.appendUsage(sub.RemoteUsername, deltaBytes, 0)
}

// OverwriteSubordinateUsage stores the remote-reported consumption without a
// ledger row: the remote counter is authoritative and monotonic within a
// billing period, so this is a sync, not an allocation.
func (s *Store) OverwriteSubordinateUsage(id uint, usedBytes uint64) error {
	err := s.db.Model(&model.Subordinate{}).Where("id = ?", id).
		Update("used_bytes", usedBytes).Error
	return classify(err, "subordinate usage")
}

func (s *Store) OverwritePrincipalUsage(id uint, usedBytes uint64) error {
	err := s.db.Model(&model.Principal{}).Where("id = ?", id).
		Update("used_bytes", usedBytes).Error
	return classify(err, "principal usage")
}

func (s *Store) DeleteSubordinate(id uint) error {
	return classify(s.db.Delete(&model.Subordinate{}, id).Error, "subordinate")
}

func (s *Store) CountSubordinatesOf(parentID uint) (int64, error) {
	var count int64
	err := s.db.Model(&model.Subordinate{}).Where("principal_id = ?", parentID).Count(&count).Error
	return count, classify(err, "subordinate count")
}

// ListSubordinates pages one reseller's end-users.
func (s *Store) ListSubordinates(parentID uint, page, pageSize int) ([]model.Subordinate, int, error) {
	q := s.db.Model(&model.Subordinate{}).Where("principal_id = ?", parentID)
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, classify(err, "subordinate list")
	}
	var items []model.Subordinate
	if err := q.Order("id").Limit(pageSize).Offset(page * pageSize).Find(&items).Error; err != nil {
		return nil, 0, classify(err, "subordinate list")
	}
	return items, totalPages(count, pageSize), nil
}

// BandwidthWarningCandidates selects bounded subordinates whose remaining
// bytes sit in (0, floor]. Cooldown filtering happens at the sweep.
func (s *Store) BandwidthWarningCandidates(floor uint64) ([]model.Subordinate, error) {
	var items []model.Subordinate
	err := s.db.
		Where("limit_bytes > 0").
		Where("limit_bytes > used_bytes").
		Where("limit_bytes - used_bytes <= ?", floor).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, classify(err, "bandwidth warning scan")
	}
	return items, nil
}

// ExpiryWarningCandidates selects subordinates expiring within the window
// but not yet expired.
func (s *Store) ExpiryWarningCandidates(now time.Time, window time.Duration) ([]model.Subordinate, error) {
	var items []model.Subordinate
	err := s.db.
		Where("expires_at IS NOT NULL").
		Where("expires_at > ?", now).
		Where("expires_at <= ?", now.Add(window)).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, classify(err, "expiry warning scan")
	}
	return items, nil
}

// --- ledger ---

func (s *Store) appendUsage(actor string, deltaBytes int64, deltaEntities int32) error {
	ev := model.UsageEvent{
		Actor:         actor,
		DeltaBytes:    deltaBytes,
		DeltaEntities: deltaEntities,
		CreatedAt:     time.Now(),
	}
	return classify(s.db.Create(&ev).Error, "usage event")
}

func (s *Store) CountUsageEvents() (int64, error) {
	var count int64
	err := s.db.Model(&model.UsageEvent{}).Count(&count).Error
	return count, classify(err, "usage event count")
}

func (s *Store) UsageEventsFor(actor string, limit int) ([]model.UsageEvent, error) {
	var items []model.UsageEvent
	err := s.db.Where("actor = ?", actor).Order("id desc").Limit(limit).Find(&items).Error
	return items, classify(err, "usage events")
}

// --- notifications ---

// LastNotification returns the most recent send time for (subject, kind),
// or nil when the subject has never been alerted.
func (s *Store) LastNotification(subjectID uint, subjectKind, kind string) (*time.Time, error) {
	var rec model.NotificationRecord
	err := s.db.
		Where("subject_id = ? AND subject_kind = ? AND kind = ?", subjectID, subjectKind, kind).
		Order("sent_at desc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "notification record")
	}
	return &rec.SentAt, nil
}

func (s *Store) RecordNotification(subjectID uint, subjectKind, kind string, sentAt time.Time) error {
	rec := model.NotificationRecord{
		SubjectID:   subjectID,
		SubjectKind: subjectKind,
		Kind:        kind,
		SentAt:      sentAt,
	}
	return classify(s.db.Create(&rec).Error, "notification record")
}

// --- activity log ---

func (s *Store) LogActivity(action, username string, details any) {
	var payload string
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			payload = string(raw)
		}
	}
	rec := model.ActivityLog{
		Action:    action,
		Username:  username,
		Details:   payload,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.log.Warn("activity log write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Store) RecentActivity(limit int) ([]model.ActivityLog, error) {
	var items []model.ActivityLog
	err := s.db.Order("id desc").Limit(limit).Find(&items).Error
	return items, classify(err, "activity log")
}

func (s *Store) ActivityFor(username string, limit int) ([]model.ActivityLog, error) {
	var items []model.ActivityLog
	err := s.db.Where("username = ?", username).Order("id desc").Limit(limit).Find(&items).Error
	return items, classify(err, "activity log")
}

// --- aggregates for reports ---

func (s *Store) CountPrincipals(role string) (int64, error) {
	var count int64
	err := s.db.Model(&model.Principal{}).Where("role = ?", role).Count(&count).Error
	return count, classify(err, "principal count")
}

func (s *Store) CountSubordinates() (int64, error) {
	var count int64
	err := s.db.Model(&model.Subordinate{}).Count(&count).Error
	return count, classify(err, "subordinate count")
}

// PrincipalTotals sums used bandwidth and created entities over all
// principals.
func (s *Store) PrincipalTotals() (usedBytes uint64, usedEntities uint32, err error) {
	var row struct {
		Bytes    *uint64
		Entities *uint32
	}
	err = s.db.Model(&model.Principal{}).
		Select("SUM(used_bytes) as bytes, SUM(used_entities) as entities").
		Scan(&row).Error
	if err != nil {
		return 0, 0, classify(err, "principal totals")
	}
	if row.Bytes != nil {
		usedBytes = *row.Bytes
	}
	if row.Entities != nil {
		usedEntities = *row.Entities
	}
	return usedBytes, usedEntities, nil
}

func (s *Store) TopPrincipalsByUsedBytes(n int) ([]model.Principal, error) {
	var items []model.Principal
	err := s.db.Order("used_bytes desc").Limit(n).Find(&items).Error
	return items, classify(err, "bandwidth ranking")
}

func (s *Store) TopPrincipalsByUsedEntities(n int) ([]model.Principal, error) {
	var items []model.Principal
	err := s.db.Order("used_entities desc").Limit(n).Find(&items).Error
	return items, classify(err, "entity ranking")
}

func totalPages(count int64, pageSize int) int {
	if pageSize <= 0 {
		return 1
	}
	pages := int((count + int64(pageSize) - 1) / int64(pageSize))
	if pages < 1 {
		pages = 1
	}
	return pages
}
