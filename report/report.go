// Package report aggregates system-wide stats and renders the periodic
// reports delivered to superadmins.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/miladez1/mrzadmincr/model"
	"github.com/miladez1/mrzadmincr/panel"
	"github.com/miladez1/mrzadmincr/store"
)

const rankingSize = 5

// SystemStats is the dashboard summary.
type SystemStats struct {
	TotalAdmins      int64               `json:"total_admins"`
	TotalResellers   int64               `json:"total_resellers"`
	TotalUsers       int64               `json:"total_users"`
	UsedBytes        uint64              `json:"used_bytes"`
	UsedGB           float64             `json:"used_gb"`
	CreatedUsers     uint32              `json:"created_users"`
	RemoteUsers      int                 `json:"remote_users"`
	RemoteUsedBytes  uint64              `json:"remote_used_bytes"`
	RemoteLimitBytes uint64              `json:"remote_limit_bytes"`
	RecentActivity   []model.ActivityLog `json:"recent_activity"`
}

type Generator struct {
	store *store.Store
	gw    panel.Gateway
	log   *zap.Logger
}

func NewGenerator(st *store.Store, gw panel.Gateway, log *zap.Logger) *Generator {
	return &Generator{store: st, gw: gw, log: log}
}

// SystemStats gathers local totals and cross-checks the panel's own user
// list. A panel failure degrades to local-only stats rather than failing
// the dashboard.
func (g *Generator) SystemStats(ctx context.Context) (*SystemStats, error) {
	admins, err := g.store.CountPrincipals(model.RoleAdmin)
	if err != nil {
		return nil, err
	}
	resellers, err := g.store.CountPrincipals(model.RoleReseller)
	if err != nil {
		return nil, err
	}
	users, err := g.store.CountSubordinates()
	if err != nil {
		return nil, err
	}
	usedBytes, createdUsers, err := g.store.PrincipalTotals()
	if err != nil {
		return nil, err
	}
	recent, err := g.store.RecentActivity(10)
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{
		TotalAdmins:    admins,
		TotalResellers: resellers,
		TotalUsers:     users,
		UsedBytes:      usedBytes,
		UsedGB:         model.ToGB(usedBytes),
		CreatedUsers:   createdUsers,
		RecentActivity: recent,
	}

	remote, err := g.gw.ListRemoteUsers(ctx)
	if err != nil {
		g.log.Warn("panel cross-check unavailable for stats", zap.Error(err))
		return stats, nil
	}
	stats.RemoteUsers = len(remote)
	for _, u := range remote {
		stats.RemoteUsedBytes += u.UsedTraffic
		stats.RemoteLimitBytes += u.DataLimit
	}
	return stats, nil
}

// SystemReport renders the periodic system-wide report text.
func (g *Generator) SystemReport(ctx context.Context) (string, error) {
	stats, err := g.SystemStats(ctx)
	if err != nil {
		return "", err
	}
	topBW, err := g.store.TopPrincipalsByUsedBytes(rankingSize)
	if err != nil {
		return "", err
	}
	topUsers, err := g.store.TopPrincipalsByUsedEntities(rankingSize)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("📊 System report\n\n")
	fmt.Fprintf(&b, "Admins: %d\nResellers: %d\nEnd-users: %d\n", stats.TotalAdmins, stats.TotalResellers, stats.TotalUsers)
	fmt.Fprintf(&b, "Allocated bandwidth used: %s\n", humanize.IBytes(stats.UsedBytes))
	fmt.Fprintf(&b, "Users created: %d\n", stats.CreatedUsers)
	if stats.RemoteUsers > 0 {
		fmt.Fprintf(&b, "Panel accounts: %d (%s of %s consumed)\n",
			stats.RemoteUsers, humanize.IBytes(stats.RemoteUsedBytes), humanize.IBytes(stats.RemoteLimitBytes))
	}

	b.WriteString("\nTop by bandwidth:\n")
	for i, p := range topBW {
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, p.Username, humanize.IBytes(p.UsedBytes))
	}
	b.WriteString("\nTop by users created:\n")
	for i, p := range topUsers {
		fmt.Fprintf(&b, "  %d. %s: %d users\n", i+1, p.Username, p.UsedEntities)
	}

	if len(stats.RecentActivity) > 0 {
		b.WriteString("\nRecent activity:\n")
		for i, a := range stats.RecentActivity {
			fmt.Fprintf(&b, "  %d. %s: %s - %s\n", i+1, a.Username, a.Action, a.CreatedAt.Format("2006-01-02 15:04"))
		}
	}
	return b.String(), nil
}

// PrincipalReport renders a per-principal report with limits, usage, expiry
// and recent activity.
func (g *Generator) PrincipalReport(remoteUsername string, now time.Time) (string, error) {
	p, err := g.store.PrincipalByRemoteUsername(remoteUsername)
	if err != nil {
		return "", err
	}
	activities, err := g.store.ActivityFor(remoteUsername, 10)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Report for %s (%s)\n\n", p.Username, p.Role)

	b.WriteString("Limits:\n")
	if p.LimitBytes > 0 {
		fmt.Fprintf(&b, "  Bandwidth: %s\n", humanize.IBytes(p.LimitBytes))
	} else {
		b.WriteString("  Bandwidth: unlimited\n")
	}
	if p.MaxEntities > 0 {
		fmt.Fprintf(&b, "  Users: %d\n", p.MaxEntities)
	} else {
		b.WriteString("  Users: unlimited\n")
	}

	b.WriteString("\nUsage:\n")
	fmt.Fprintf(&b, "  Bandwidth used: %s\n", humanize.IBytes(p.UsedBytes))
	fmt.Fprintf(&b, "  Users created: %d\n", p.UsedEntities)

	if p.ExpiresAt != nil {
		daysLeft := int(p.ExpiresAt.Sub(now).Hours() / 24)
		fmt.Fprintf(&b, "  Expires: %s (%d days left)\n", p.ExpiresAt.Format("2006-01-02"), daysLeft)
	} else {
		b.WriteString("  Expires: never\n")
	}

	b.WriteString("\nRecent activity:\n")
	if len(activities) == 0 {
		b.WriteString("  none recorded\n")
	}
	for i, a := range activities {
		fmt.Fprintf(&b, "  %d. %s - %s\n", i+1, a.Action, a.CreatedAt.Format("2006-01-02 15:04"))
	}
	return b.String(), nil
}
