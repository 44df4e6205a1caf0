package model

import (
	"strings"
	"time"
)

// Roles for principals.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleReseller   = "reseller"
)

// Notification kinds.
const (
	NotifyBandwidthWarning = "bandwidth_warning"
	NotifyExpiryWarning    = "expiry_warning"
)

// Subject kinds for notification records.
const (
	SubjectSubordinate = "subordinate"
	SubjectPrincipal   = "principal"
)

const bytesPerGiB = 1 << 30

// GiB converts a GB count to raw bytes. Bytes are the only stored unit.
func GiB(gb uint64) uint64 { return gb * bytesPerGiB }

// ToGB rounds a byte count to 2-decimal GB for display. Never stored.
func ToGB(bytes uint64) float64 {
	return float64(int64(float64(bytes)/bytesPerGiB*100+0.5)) / 100
}

// Budget is the quota envelope shared by principals and subordinates.
// A zero LimitBytes or MaxEntities means that dimension is unbounded;
// the two dimensions are independent.
type Budget struct {
	LimitBytes   uint64
	UsedBytes    uint64
	MaxEntities  uint32
	UsedEntities uint32
	ExpiresAt    *time.Time
}

// BudgetState is derived, never persisted.
type BudgetState string

const (
	StateActive    BudgetState = "active"
	StateWarned    BudgetState = "warned"
	StateExhausted BudgetState = "exhausted"
	StateExpired   BudgetState = "expired"
)

// RemainingBytes is the bounded headroom; 0 for exhausted bounded budgets
// and for unlimited budgets (LimitBytes == 0).
func (b Budget) RemainingBytes() uint64 {
	if b.LimitBytes == 0 || b.UsedBytes >= b.LimitBytes {
		return 0
	}
	return b.LimitBytes - b.UsedBytes
}

func (b Budget) BandwidthExhausted() bool {
	return b.LimitBytes > 0 && b.UsedBytes >= b.LimitBytes
}

func (b Budget) EntitiesExhausted() bool {
	return b.MaxEntities > 0 && b.UsedEntities >= b.MaxEntities
}

func (b Budget) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// State evaluates the budget lifecycle. warnThreshold is the remaining-bytes
// window at or below which a bounded budget counts as Warned.
func (b Budget) State(now time.Time, warnThreshold uint64) BudgetState {
	if b.Expired(now) {
		return StateExpired
	}
	if b.BandwidthExhausted() || b.EntitiesExhausted() {
		return StateExhausted
	}
	if b.LimitBytes > 0 && b.RemainingBytes() <= warnThreshold {
		return StateWarned
	}
	if b.ExpiresAt != nil && b.ExpiresAt.Sub(now) <= 3*24*time.Hour {
		return StateWarned
	}
	return StateActive
}

// Principal is an admin or reseller with its own budget and children.
type Principal struct {
	ID             uint  `gorm:"primaryKey"`
	TelegramID     int64 `gorm:"index"`
	Username       string
	RemoteUsername string `gorm:"uniqueIndex"`
	Role           string `gorm:"index"`
	Permissions    string // comma-joined capability tags, admins only

	// Budget fields
	LimitBytes   uint64
	UsedBytes    uint64
	MaxEntities  uint32
	UsedEntities uint32
	ExpiresAt    *time.Time

	CreatedAt time.Time

	Subordinates []Subordinate `gorm:"foreignKey:PrincipalID"`
}

func (Principal) TableName() string { return "principals" }

func (p *Principal) Budget() Budget {
	return Budget{
		LimitBytes:   p.LimitBytes,
		UsedBytes:    p.UsedBytes,
		MaxEntities:  p.MaxEntities,
		UsedEntities: p.UsedEntities,
		ExpiresAt:    p.ExpiresAt,
	}
}

func (p *Principal) SetBudget(b Budget) {
	p.LimitBytes = b.LimitBytes
	p.UsedBytes = b.UsedBytes
	p.MaxEntities = b.MaxEntities
	p.UsedEntities = b.UsedEntities
	p.ExpiresAt = b.ExpiresAt
}

// PermissionTags splits the serialized permission set.
func (p *Principal) PermissionTags() []string {
	if p.Permissions == "" {
		return nil
	}
	return strings.Split(p.Permissions, ",")
}

func (p *Principal) HasPermission(tag string) bool {
	for _, t := range p.PermissionTags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Subordinate is an end-user owned by exactly one reseller. Its budget has
// no entity sub-count.
type Subordinate struct {
	ID             uint `gorm:"primaryKey"`
	PrincipalID    uint `gorm:"index"`
	Username       string
	RemoteUsername string `gorm:"uniqueIndex"`

	LimitBytes uint64
	UsedBytes  uint64
	ExpiresAt  *time.Time

	ConnectionLimit uint32
	CreatedAt       time.Time
}

func (Subordinate) TableName() string { return "subordinates" }

func (s *Subordinate) Budget() Budget {
	return Budget{
		LimitBytes: s.LimitBytes,
		UsedBytes:  s.UsedBytes,
		ExpiresAt:  s.ExpiresAt,
	}
}

func (s *Subordinate) SetBudget(b Budget) {
	s.LimitBytes = b.LimitBytes
	s.UsedBytes = b.UsedBytes
	s.ExpiresAt = b.ExpiresAt
}

// UsageEvent is an append-only ledger row. Every budget-affecting write
// commits exactly one of these in the same transaction.
type UsageEvent struct {
	ID            uint   `gorm:"primaryKey"`
	Actor         string `gorm:"index"` // remote username of the mutated budget's owner
	DeltaBytes    int64
	DeltaEntities int32
	CreatedAt     time.Time
}

func (UsageEvent) TableName() string { return "usage_events" }

// NotificationRecord deduplicates alerts per (subject, kind) cooldown window.
type NotificationRecord struct {
	ID          uint   `gorm:"primaryKey"`
	SubjectID   uint   `gorm:"index:idx_notify_subject"`
	SubjectKind string `gorm:"index:idx_notify_subject"`
	Kind        string `gorm:"index:idx_notify_subject"`
	SentAt      time.Time
}

func (NotificationRecord) TableName() string { return "notifications" }

// ActivityLog records free-form actions for reporting.
type ActivityLog struct {
	ID        uint `gorm:"primaryKey"`
	Action    string
	Username  string `gorm:"index"`
	Details   string // JSON-serialized details
	CreatedAt time.Time
}

func (ActivityLog) TableName() string { return "activity_log" }
