package model

import "time"

// BandwidthView is the display breakdown of a budget's bandwidth dimension.
// GB fields are conveniences computed from the raw bytes at read time.
type BandwidthView struct {
	LimitBytes     uint64  `json:"limit_bytes"`
	LimitGB        float64 `json:"limit_gb"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsedGB         float64 `json:"used_gb"`
	RemainingBytes uint64  `json:"remaining_bytes"`
	RemainingGB    float64 `json:"remaining_gb"`
	PercentUsed    float64 `json:"percent_used"`
}

func NewBandwidthView(limitBytes, usedBytes uint64) BandwidthView {
	v := BandwidthView{
		LimitBytes: limitBytes,
		LimitGB:    ToGB(limitBytes),
		UsedBytes:  usedBytes,
		UsedGB:     ToGB(usedBytes),
	}
	if limitBytes > usedBytes {
		v.RemainingBytes = limitBytes - usedBytes
	}
	v.RemainingGB = ToGB(v.RemainingBytes)
	if limitBytes > 0 {
		v.PercentUsed = float64(int64(float64(usedBytes)/float64(limitBytes)*10000+0.5)) / 100
	}
	return v
}

// SubscriptionView is the display breakdown of a budget's time dimension.
type SubscriptionView struct {
	ExpiresAt     *time.Time `json:"expires_at"`
	DaysRemaining int        `json:"days_remaining"`
}

func NewSubscriptionView(expiresAt *time.Time, now time.Time) SubscriptionView {
	v := SubscriptionView{ExpiresAt: expiresAt}
	if expiresAt != nil {
		v.DaysRemaining = int(expiresAt.Sub(now).Hours() / 24)
	}
	return v
}

// PrincipalView is what the presentation layer renders for a principal.
type PrincipalView struct {
	ID             uint             `json:"id"`
	TelegramID     int64            `json:"telegram_id"`
	Username       string           `json:"username"`
	RemoteUsername string           `json:"remote_username"`
	Role           string           `json:"role"`
	Bandwidth      BandwidthView    `json:"bandwidth"`
	Subscription   SubscriptionView `json:"subscription"`
	MaxEntities    uint32           `json:"max_entities"`
	UsedEntities   uint32           `json:"used_entities"`
	State          BudgetState      `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (p *Principal) View(now time.Time, warnThreshold uint64) PrincipalView {
	return PrincipalView{
		ID:             p.ID,
		TelegramID:     p.TelegramID,
		Username:       p.Username,
		RemoteUsername: p.RemoteUsername,
		Role:           p.Role,
		Bandwidth:      NewBandwidthView(p.LimitBytes, p.UsedBytes),
		Subscription:   NewSubscriptionView(p.ExpiresAt, now),
		MaxEntities:    p.MaxEntities,
		UsedEntities:   p.UsedEntities,
		State:          p.Budget().State(now, warnThreshold),
		CreatedAt:      p.CreatedAt,
	}
}

// SubordinateView is what the presentation layer renders for an end-user.
type SubordinateView struct {
	ID              uint             `json:"id"`
	PrincipalID     uint             `json:"principal_id"`
	Username        string           `json:"username"`
	RemoteUsername  string           `json:"remote_username"`
	Bandwidth       BandwidthView    `json:"bandwidth"`
	Subscription    SubscriptionView `json:"subscription"`
	ConnectionLimit uint32           `json:"connection_limit"`
	State           BudgetState      `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
}

func (s *Subordinate) View(now time.Time, warnThreshold uint64) SubordinateView {
	return SubordinateView{
		ID:              s.ID,
		PrincipalID:     s.PrincipalID,
		Username:        s.Username,
		RemoteUsername:  s.RemoteUsername,
		Bandwidth:       NewBandwidthView(s.LimitBytes, s.UsedBytes),
		Subscription:    NewSubscriptionView(s.ExpiresAt, now),
		ConnectionLimit: s.ConnectionLimit,
		State:           s.Budget().State(now, warnThreshold),
		CreatedAt:       s.CreatedAt,
	}
}
