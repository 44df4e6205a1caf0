// Package quota decides whether allocations fit inside a parent's budget,
// reserves them atomically, and keeps local budgets in step with the panel.
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miladez1/mrzadmincr/errs"
	"github.com/miladez1/mrzadmincr/model"
	"github.com/miladez1/mrzadmincr/panel"
	"github.com/miladez1/mrzadmincr/store"
)

// Proposal is an allocation a parent is asked to carry for a new child.
type Proposal struct {
	BandwidthBytes uint64
	EntityCount    uint32
}

type Engine struct {
	store *store.Store
	gw    panel.Gateway
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(st *store.Store, gw panel.Gateway, log *zap.Logger) *Engine {
	return &Engine{store: st, gw: gw, log: log, now: time.Now}
}

// SetClock overrides the engine's time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CheckAllocation reports whether parent can carry the proposal. Each
// dimension is independent; a zero cap means unbounded for that dimension.
// An expired parent takes no new allocations. All violated dimensions are
// reported together.
func (e *Engine) CheckAllocation(parent model.Budget, p Proposal) error {
	var reasons []string
	if parent.MaxEntities > 0 && parent.UsedEntities+p.EntityCount > parent.MaxEntities {
		reasons = append(reasons, fmt.Sprintf("user capacity reached (%d of %d in use)",
			parent.UsedEntities, parent.MaxEntities))
	}
	if parent.LimitBytes > 0 && parent.UsedBytes+p.BandwidthBytes > parent.LimitBytes {
		reasons = append(reasons, fmt.Sprintf("insufficient bandwidth (%.2f GB of %.2f GB allocated)",
			model.ToGB(parent.UsedBytes), model.ToGB(parent.LimitBytes)))
	}
	if parent.Expired(e.now()) {
		reasons = append(reasons, "subscription expired")
	}
	if len(reasons) > 0 {
		return errs.QuotaExceeded("%s", strings.Join(reasons, "; "))
	}
	return nil
}

// Reserve consumes the proposal from the parent's budget. The check is
// re-run against the row read inside the transaction, so two concurrent
// reserves can never both squeeze past a bounded cap. A denied reserve
// leaves budget and ledger untouched.
func (e *Engine) Reserve(ctx context.Context, parentID uint, p Proposal) (model.Budget, error) {
	var committed model.Budget
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		parent, err := tx.PrincipalByID(parentID)
		if err != nil {
			return err
		}
		if err := e.CheckAllocation(parent.Budget(), p); err != nil {
			return err
		}
		parent.UsedBytes += p.BandwidthBytes
		parent.UsedEntities += p.EntityCount
		if err := tx.SavePrincipalBudget(parent, int64(p.BandwidthBytes), int32(p.EntityCount)); err != nil {
			return err
		}
		committed = parent.Budget()
		return nil
	})
	if err != nil {
		return model.Budget{}, err
	}
	return committed, nil
}

// Release returns a previously reserved allocation to the parent, clamping
// at zero.
func (e *Engine) Release(ctx context.Context, parentID uint, bytes uint64, entities uint32) error {
	return e.store.Transaction(ctx, func(tx *store.Store) error {
		parent, err := tx.PrincipalByID(parentID)
		if err != nil {
			return err
		}
		if bytes > parent.UsedBytes {
			bytes = parent.UsedBytes
		}
		if entities > parent.UsedEntities {
			entities = parent.UsedEntities
		}
		parent.UsedBytes -= bytes
		parent.UsedEntities -= entities
		return tx.SavePrincipalBudget(parent, -int64(bytes), -int32(entities))
	})
}

// extendBudget applies add-only deltas. Expiry extends from its current
// value, never from now: an already-expired budget does not restart the
// clock at the present.
func (e *Engine) extendBudget(b model.Budget, addBytes uint64, addDays int, addEntities uint32) model.Budget {
	b.LimitBytes += addBytes
	b.MaxEntities += addEntities
	if addDays > 0 {
		anchor := e.now()
		if b.ExpiresAt != nil {
			anchor = *b.ExpiresAt
		}
		extended := anchor.Add(time.Duration(addDays) * 24 * time.Hour)
		b.ExpiresAt = &extended
	}
	return b
}

// ExtendPrincipal grows a principal's limits. The panel is updated first;
// the local commit is skipped when the remote update fails.
func (e *Engine) ExtendPrincipal(ctx context.Context, remoteUsername string, addBytes uint64, addDays int, addEntities uint32) (model.Budget, error) {
	p, err := e.store.PrincipalByRemoteUsername(remoteUsername)
	if err != nil {
		return model.Budget{}, err
	}
	next := e.extendBudget(p.Budget(), addBytes, addDays, addEntities)

	if _, err := e.gw.UpdateRemoteUser(ctx, remoteUsername, panel.UserParams{
		DataLimitBytes: next.LimitBytes,
		ExpiresAt:      next.ExpiresAt,
	}); err != nil {
		return model.Budget{}, err
	}

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		fresh, err := tx.PrincipalByID(p.ID)
		if err != nil {
			return err
		}
		next = e.extendBudget(fresh.Budget(), addBytes, addDays, addEntities)
		fresh.SetBudget(next)
		return tx.SavePrincipalBudget(fresh, int64(addBytes), int32(addEntities))
	})
	if err != nil {
		return model.Budget{}, err
	}
	e.store.LogActivity("extend_principal", remoteUsername, map[string]any{
		"add_bytes": addBytes, "add_days": addDays, "add_users": addEntities,
	})
	return next, nil
}

// ExtendSubordinate grows an end-user's bandwidth and expiry. Added bandwidth
// is an allocation like any other: the delta is reserved against the owning
// reseller's budget and the extension is denied when the parent cannot carry
// it.
func (e *Engine) ExtendSubordinate(ctx context.Context, remoteUsername string, addBytes uint64, addDays int) (model.Budget, error) {
	sub, err := e.store.SubordinateByRemoteUsername(remoteUsername)
	if err != nil {
		return model.Budget{}, err
	}

	proposal := Proposal{BandwidthBytes: addBytes}
	if addBytes > 0 {
		parent, err := e.store.PrincipalByID(sub.PrincipalID)
		if err != nil {
			return model.Budget{}, err
		}
		// Cheap pre-check before touching the panel. The authoritative
		// check runs again inside the reserving transaction.
		if err := e.CheckAllocation(parent.Budget(), proposal); err != nil {
			return model.Budget{}, err
		}
	}

	next := e.extendBudget(sub.Budget(), addBytes, addDays, 0)

	if _, err := e.gw.UpdateRemoteUser(ctx, remoteUsername, panel.UserParams{
		DataLimitBytes:  next.LimitBytes,
		ExpiresAt:       next.ExpiresAt,
		ConnectionLimit: sub.ConnectionLimit,
	}); err != nil {
		return model.Budget{}, err
	}

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		if addBytes > 0 {
			parent, err := tx.PrincipalByID(sub.PrincipalID)
			if err != nil {
				return err
			}
			if err := e.CheckAllocation(parent.Budget(), proposal); err != nil {
				return err
			}
			parent.UsedBytes += addBytes
			if err := tx.SavePrincipalBudget(parent, int64(addBytes), 0); err != nil {
				return err
			}
		}
		fresh, err := tx.SubordinateByID(sub.ID)
		if err != nil {
			return err
		}
		next = e.extendBudget(fresh.Budget(), addBytes, addDays, 0)
		fresh.SetBudget(next)
		return tx.SaveSubordinateBudget(fresh, int64(addBytes))
	})
	if err != nil {
		// The panel already carries the new limits; put the old ones back so
		// remote and local stay consistent.
		if _, rerr := e.gw.UpdateRemoteUser(ctx, remoteUsername, panel.UserParams{
			DataLimitBytes:  sub.LimitBytes,
			ExpiresAt:       sub.ExpiresAt,
			ConnectionLimit: sub.ConnectionLimit,
		}); rerr != nil {
			e.log.Warn("remote limits out of step after denied extension",
				zap.String("remote_username", remoteUsername), zap.Error(rerr))
		}
		return model.Budget{}, err
	}
	e.store.LogActivity("extend_user", remoteUsername, map[string]any{
		"add_bytes": addBytes, "add_days": addDays,
	})
	return next, nil
}

// RefreshSubordinateUsage pulls the remote traffic counter and overwrites
// the locally stored consumption. The remote side is authoritative for
// consumption; limits and expiry stay local. Idempotent.
func (e *Engine) RefreshSubordinateUsage(ctx context.Context, remoteUsername string) (model.Budget, error) {
	sub, err := e.store.SubordinateByRemoteUsername(remoteUsername)
	if err != nil {
		return model.Budget{}, err
	}
	remote, err := e.gw.GetRemoteUser(ctx, remoteUsername)
	if err != nil {
		return model.Budget{}, err
	}
	if err := e.store.OverwriteSubordinateUsage(sub.ID, remote.UsedTraffic); err != nil {
		return model.Budget{}, err
	}
	sub.UsedBytes = remote.UsedTraffic
	return sub.Budget(), nil
}

// RefreshPrincipalUsage is RefreshSubordinateUsage for principals that are
// themselves provisioned on the panel (resellers).
func (e *Engine) RefreshPrincipalUsage(ctx context.Context, remoteUsername string) (model.Budget, error) {
	p, err := e.store.PrincipalByRemoteUsername(remoteUsername)
	if err != nil {
		return model.Budget{}, err
	}
	remote, err := e.gw.GetRemoteUser(ctx, remoteUsername)
	if err != nil {
		return model.Budget{}, err
	}
	if err := e.store.OverwritePrincipalUsage(p.ID, remote.UsedTraffic); err != nil {
		return model.Budget{}, err
	}
	p.UsedBytes = remote.UsedTraffic
	return p.Budget(), nil
}

// OverLimit evaluates a budget against all its caps and returns every
// violated dimension, since the UI surfaces them together.
func (e *Engine) OverLimit(b model.Budget) (bool, []string) {
	var reasons []string
	if b.BandwidthExhausted() {
		reasons = append(reasons, fmt.Sprintf("bandwidth limit reached (%.2f GB)", model.ToGB(b.LimitBytes)))
	}
	if b.EntitiesExhausted() {
		reasons = append(reasons, fmt.Sprintf("user limit reached (%d users)", b.MaxEntities))
	}
	if b.Expired(e.now()) {
		reasons = append(reasons, fmt.Sprintf("expired on %s", b.ExpiresAt.Format("2006-01-02")))
	}
	return len(reasons) > 0, reasons
}

// remoteName builds a unique panel username the way the previous deployment
// did: a role prefix, the display name, and an 8-hex suffix.
func remoteName(prefix, username string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, username, uuid.New().String()[:8])
}

func (e *Engine) expiryFromDays(days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := e.now().Add(time.Duration(days) * 24 * time.Hour)
	return &t
}
