package views

import (
	"context"
	"errors"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/users"
)

// ErrActionUnavailable indicates the view was built without the dependency an action needs.
var ErrActionUnavailable = errors.New("views: action not configured")

// Reporter files moderation reports.
type Reporter interface {
	ReportItem(ctx context.Context, itemID string, itemType confessions.ItemType, reporterID, reason string) (confessions.Report, error)
}

// ConfessionPublisher creates confessions.
type ConfessionPublisher interface {
	CreateConfession(ctx context.Context, authorID, communityID, text string) (confessions.Confession, error)
}

// Blocker adds users to the caller's block list.
type Blocker interface {
	BlockUser(ctx context.Context, blockerID, blockedID string) (users.Profile, error)
}

// fileReport runs one report on behalf of userID and raises a notice when it fails.
func fileReport(ctx context.Context, reporter Reporter, notices *noticeBoard, closed func() bool,
	operation string, itemID string, itemType confessions.ItemType, userID, reason string) error {
	if reporter == nil {
		return ErrActionUnavailable
	}
	_, err := reporter.ReportItem(context.WithoutCancel(ctx), itemID, itemType, userID, reason)
	if err != nil && !closed() {
		notices.raise(Notice{Operation: operation, Message: "No se pudo enviar el reporte", Err: err})
	}
	return err
}
