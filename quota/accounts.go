package quota

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/miladez1/mrzadmincr/errs"
	"github.com/miladez1/mrzadmincr/model"
	"github.com/miladez1/mrzadmincr/panel"
	"github.com/miladez1/mrzadmincr/store"
)

// CreateAdmin registers an admin principal with a capability tag set and an
// optional budget envelope. Admins are managed locally; they are not
// provisioned on the panel.
func (e *Engine) CreateAdmin(ctx context.Context, telegramID int64, username string, permissions []string, limitGB uint64, maxUsers uint32, days int) (*model.Principal, error) {
	if telegramID <= 0 {
		return nil, errs.Validation("telegram id must be a positive number")
	}
	if strings.TrimSpace(username) == "" {
		return nil, errs.Validation("username must not be empty")
	}

	p := &model.Principal{
		TelegramID:     telegramID,
		Username:       username,
		RemoteUsername: remoteName("admin", username),
		Role:           model.RoleAdmin,
		Permissions:    strings.Join(permissions, ","),
		LimitBytes:     model.GiB(limitGB),
		MaxEntities:    maxUsers,
		ExpiresAt:      e.expiryFromDays(days),
		CreatedAt:      e.now(),
	}
	if err := e.store.CreatePrincipal(p); err != nil {
		return nil, err
	}
	e.store.LogActivity("create_admin", p.RemoteUsername, map[string]any{
		"telegram_id": telegramID, "permissions": permissions,
	})
	return p, nil
}

// CreateReseller provisions a reseller on the panel and registers it locally
// with its budget envelope. The remote account carries the reseller's full
// bandwidth allowance.
func (e *Engine) CreateReseller(ctx context.Context, telegramID int64, username string, bandwidthGB uint64, days int, maxUsers uint32) (*model.Principal, error) {
	if telegramID <= 0 {
		return nil, errs.Validation("telegram id must be a positive number")
	}
	if strings.TrimSpace(username) == "" {
		return nil, errs.Validation("username must not be empty")
	}

	remoteUsername := remoteName("reseller", username)
	expiresAt := e.expiryFromDays(days)

	if _, err := e.gw.CreateRemoteUser(ctx, remoteUsername, panel.UserParams{
		DataLimitBytes: model.GiB(bandwidthGB),
		ExpiresAt:      expiresAt,
	}); err != nil {
		return nil, err
	}

	p := &model.Principal{
		TelegramID:     telegramID,
		Username:       username,
		RemoteUsername: remoteUsername,
		Role:           model.RoleReseller,
		LimitBytes:     model.GiB(bandwidthGB),
		MaxEntities:    maxUsers,
		ExpiresAt:      expiresAt,
		CreatedAt:      e.now(),
	}
	if err := e.store.CreatePrincipal(p); err != nil {
		// Local registration failed after remote provisioning; clean up so
		// the panel does not accumulate orphans.
		if derr := e.gw.DeleteRemoteUser(ctx, remoteUsername); derr != nil {
			e.log.Warn("orphaned remote user after failed reseller create",
				zap.String("remote_username", remoteUsername), zap.Error(derr))
		}
		return nil, err
	}
	e.store.LogActivity("create_reseller", remoteUsername, map[string]any{
		"telegram_id": telegramID, "bandwidth_gb": bandwidthGB, "days": days, "max_users": maxUsers,
	})
	return p, nil
}

// CreateSubordinate creates an end-user under the reseller owning
// resellerTelegramID. The user's full bandwidth is reserved against the
// reseller's budget; the reservation is re-validated inside the store
// transaction, and the remote account is removed again if it is denied.
func (e *Engine) CreateSubordinate(ctx context.Context, resellerTelegramID int64, username string, bandwidthGB uint64, days int, connectionLimit uint32) (*model.Subordinate, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errs.Validation("username must not be empty")
	}

	reseller, err := e.store.PrincipalByTelegramID(resellerTelegramID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil, errs.NotFound("no reseller account is linked to this Telegram user")
		}
		return nil, err
	}
	if reseller.Role != model.RoleReseller {
		return nil, errs.Validation("only resellers can create end-users")
	}

	proposal := Proposal{BandwidthBytes: model.GiB(bandwidthGB), EntityCount: 1}

	// Cheap pre-check against the budget we just read. The authoritative
	// check runs again inside the reserving transaction.
	if err := e.CheckAllocation(reseller.Budget(), proposal); err != nil {
		return nil, err
	}

	remoteUsername := remoteName("user", username)
	expiresAt := e.expiryFromDays(days)

	// Remote call happens before the transaction so no store lock is held
	// across blocking I/O.
	remote, err := e.gw.CreateRemoteUser(ctx, remoteUsername, panel.UserParams{
		DataLimitBytes:  proposal.BandwidthBytes,
		ExpiresAt:       expiresAt,
		ConnectionLimit: connectionLimit,
	})
	if err != nil {
		return nil, err
	}

	sub := &model.Subordinate{
		PrincipalID:     reseller.ID,
		Username:        username,
		RemoteUsername:  remote.Username,
		LimitBytes:      proposal.BandwidthBytes,
		ExpiresAt:       expiresAt,
		ConnectionLimit: connectionLimit,
		CreatedAt:       e.now(),
	}

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		parent, err := tx.PrincipalByID(reseller.ID)
		if err != nil {
			return err
		}
		if err := e.CheckAllocation(parent.Budget(), proposal); err != nil {
			return err
		}
		parent.UsedBytes += proposal.BandwidthBytes
		parent.UsedEntities += proposal.EntityCount
		if err := tx.SavePrincipalBudget(parent, int64(proposal.BandwidthBytes), int32(proposal.EntityCount)); err != nil {
			return err
		}
		return tx.CreateSubordinate(sub)
	})
	if err != nil {
		if derr := e.gw.DeleteRemoteUser(ctx, remoteUsername); derr != nil {
			e.log.Warn("orphaned remote user after denied reservation",
				zap.String("remote_username", remoteUsername), zap.Error(derr))
		}
		return nil, err
	}

	e.store.LogActivity("create_user", reseller.RemoteUsername, map[string]any{
		"user": remoteUsername, "bandwidth_gb": bandwidthGB, "days": days,
	})
	return sub, nil
}

// DeleteSubordinate removes an end-user remotely and locally and returns its
// allocation to the owning reseller.
func (e *Engine) DeleteSubordinate(ctx context.Context, remoteUsername string) error {
	sub, err := e.store.SubordinateByRemoteUsername(remoteUsername)
	if err != nil {
		return err
	}

	// A remote account already gone is fine; anything else aborts so local
	// state keeps matching the panel.
	if err := e.gw.DeleteRemoteUser(ctx, remoteUsername); err != nil && !errs.IsKind(err, errs.KindNotFound) {
		return err
	}

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		parent, err := tx.PrincipalByID(sub.PrincipalID)
		if err != nil {
			return err
		}
		released := sub.LimitBytes
		if released > parent.UsedBytes {
			released = parent.UsedBytes
		}
		parent.UsedBytes -= released
		if parent.UsedEntities > 0 {
			parent.UsedEntities--
		}
		if err := tx.SavePrincipalBudget(parent, -int64(released), -1); err != nil {
			return err
		}
		return tx.DeleteSubordinate(sub.ID)
	})
	if err != nil {
		return err
	}
	e.store.LogActivity("delete_user", remoteUsername, nil)
	return nil
}

// DeletePrincipal removes a principal that has no children left. Deletion
// with live subordinates is rejected rather than cascaded.
func (e *Engine) DeletePrincipal(ctx context.Context, remoteUsername string) error {
	p, err := e.store.PrincipalByRemoteUsername(remoteUsername)
	if err != nil {
		return err
	}
	children, err := e.store.CountSubordinatesOf(p.ID)
	if err != nil {
		return err
	}
	if children > 0 {
		return errs.Validation("cannot delete %q: %d end-users still exist", p.Username, children)
	}

	if p.Role == model.RoleReseller {
		if err := e.gw.DeleteRemoteUser(ctx, remoteUsername); err != nil && !errs.IsKind(err, errs.KindNotFound) {
			return err
		}
	}
	if err := e.store.DeletePrincipal(p.ID); err != nil {
		return err
	}
	e.store.LogActivity("delete_principal", remoteUsername, map[string]any{"role": p.Role})
	return nil
}
