package moderation

import (
	"context"
	"errors"
	"strings"

	"chatguard/internal/models"
	"chatguard/internal/monitoring"
	"chatguard/internal/storage"

	"go.uber.org/zap"
)

// ActionStore is the part of the store moderator actions write to.
type ActionStore interface {
	DeleteMessage(ctx context.Context, action *models.ModerationAction) (int, error)
}

type ActionRequest struct {
	MessageID   int64
	ModeratorID int64
	ActionType  models.ActionType
	Reason      string
}

type ActionResult struct {
	Success       bool                     `json:"success"`
	Action        *models.ModerationAction `json:"action"`
	ResolvedFlags int                      `json:"resolvedFlags"`
}

// Actions applies moderator decisions.
type Actions struct {
	store  ActionStore
	logger *zap.Logger
}

func NewActions(store ActionStore, logger *zap.Logger) *Actions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actions{store: store, logger: logger}
}

// Act soft-deletes the message, records the audit action and resolves the
// message's pending flags, all or nothing.
func (a *Actions) Act(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if req.MessageID <= 0 {
		return nil, invalid("messageId is required")
	}
	if req.ModeratorID <= 0 {
		return nil, invalid("moderatorId is required")
	}
	if req.ActionType == "" {
		req.ActionType = models.ActionDelete
	}
	if req.ActionType != models.ActionDelete {
		return nil, invalid("unsupported action type %q", req.ActionType)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = models.DefaultActionReason
	}

	action := &models.ModerationAction{
		MessageID:   req.MessageID,
		ModeratorID: req.ModeratorID,
		ActionType:  req.ActionType,
		Reason:      reason,
	}
	resolved, err := a.store.DeleteMessage(ctx, action)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrAlreadyDeleted):
		return nil, ErrAlreadyDeleted
	case err != nil:
		a.logger.Error("moderation action failed", zap.Int64("message_id", req.MessageID), zap.Error(err))
		return nil, storageErr("delete message", err)
	}

	monitoring.ModerationActions.WithLabelValues(string(req.ActionType)).Inc()
	a.logger.Info("message deleted",
		zap.Int64("message_id", req.MessageID),
		zap.Int64("moderator_id", req.ModeratorID),
		zap.Int("resolved_flags", resolved))
	return &ActionResult{Success: true, Action: action, ResolvedFlags: resolved}, nil
}
