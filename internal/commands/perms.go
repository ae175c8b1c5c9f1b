package commands

import (
	"context"

	"qotdbot/internal/storage"
)

// AdminChecker reports chat administrators.
type AdminChecker interface {
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// Permissions grants modification commands to chat admins and privileged
// users. Bot owners are let through by the router before this runs.
type Permissions struct {
	admins AdminChecker
	priv   storage.Privileged
}

func NewPermissions(admins AdminChecker, priv storage.Privileged) *Permissions {
	return &Permissions{admins: admins, priv: priv}
}

func (p *Permissions) CanManage(ctx context.Context, chatID, userID int64) (bool, error) {
	ok, err := p.priv.IsPrivileged(ctx, chatID, userID)
	if err != nil || ok {
		return ok, err
	}
	return p.IsAdmin(ctx, chatID, userID)
}

func (p *Permissions) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if p.admins == nil {
		return false, nil
	}
	return p.admins.IsChatAdmin(ctx, chatID, userID)
}
