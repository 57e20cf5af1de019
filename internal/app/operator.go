package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spot-rebalancer/internal/alerts"
	"spot-rebalancer/internal/config"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorChannel interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID         int64                    `json:"update_id"`
	Time             time.Time                `json:"time"`
	Action           string                   `json:"action"`
	Command          string                   `json:"command"`
	UserID           int64                    `json:"user_id"`
	Username         string                   `json:"username,omitempty"`
	ChatID           int64                    `json:"chat_id"`
	PausedBefore     bool                     `json:"paused_before"`
	PausedAfter      bool                     `json:"paused_after"`
	ThresholdsBefore *config.ThresholdsConfig `json:"thresholds_before,omitempty"`
	ThresholdsAfter  *config.ThresholdsConfig `json:"thresholds_after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.orch == nil {
		return
	}
	if !a.cfg.Telegram.Enabled || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand strips a leading slash and an @botname suffix.
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		snap, ok := a.orch.Status()
		if !ok {
			return "status not available yet", nil
		}
		snap.Paused = a.orch.Paused()
		return formatStatus(snap), nil
	case "pause":
		before := a.orch.Paused()
		after := a.orch.SetPaused(true)
		a.auditOperatorEvent(ctx, a.auditEvent("pause", meta, before, after))
		if before {
			return "rebalancing already paused", nil
		}
		return "rebalancing paused", nil
	case "resume":
		before := a.orch.Paused()
		after := a.orch.SetPaused(false)
		a.auditOperatorEvent(ctx, a.auditEvent("resume", meta, before, after))
		if !before {
			return "rebalancing already active", nil
		}
		return "rebalancing resumed", nil
	case "thresholds":
		return a.handleThresholdsCommand(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) auditEvent(action string, meta operatorMeta, before, after bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before,
		PausedAfter:  after,
	}
}

func (a *App) handleThresholdsCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.thresholdsStatus(), nil
	}
	paused := a.orch.Paused()
	switch strings.ToLower(args[0]) {
	case "reset":
		event := a.auditEvent("thresholds_reset", meta, paused, paused)
		event.ThresholdsBefore = a.orch.ThresholdOverride()
		a.orch.ClearThresholdOverride()
		a.auditOperatorEvent(ctx, event)
		return "threshold override cleared", nil
	case "set":
		overrides, err := parseKeyValues(args[1:])
		if err != nil {
			return "", err
		}
		next, err := applyThresholdOverrides(a.orch.Thresholds(), overrides)
		if err != nil {
			return "", err
		}
		event := a.auditEvent("thresholds_set", meta, paused, paused)
		event.ThresholdsBefore = a.orch.ThresholdOverride()
		if err := a.orch.SetThresholdOverride(next); err != nil {
			return "", err
		}
		event.ThresholdsAfter = a.orch.ThresholdOverride()
		a.auditOperatorEvent(ctx, event)
		return "threshold override updated", nil
	default:
		return "", errors.New("unknown thresholds command: use /thresholds show|set|reset")
	}
}

func parseKeyValues(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("thresholds set requires key=value pairs")
	}
	out := make(map[string]string)
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			return nil, fmt.Errorf("invalid threshold setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

func applyThresholdOverrides(base config.ThresholdsConfig, overrides map[string]string) (config.ThresholdsConfig, error) {
	next := base
	for key, val := range overrides {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return config.ThresholdsConfig{}, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "soft":
			next.Soft = parsed
		case "hard":
			next.Hard = parsed
		case "partial_ratio":
			next.PartialRatio = parsed
		default:
			return config.ThresholdsConfig{}, fmt.Errorf("unknown threshold key: %s", key)
		}
	}
	if err := config.ValidateThresholds(next); err != nil {
		return config.ThresholdsConfig{}, err
	}
	return next, nil
}

func (a *App) thresholdsStatus() string {
	effective := a.orch.Thresholds()
	lines := []string{
		fmt.Sprintf("thresholds effective: units=%s soft=%g hard=%g partial_ratio=%g",
			effective.Units, effective.Soft, effective.Hard, effective.PartialRatio),
	}
	if a.orch.ThresholdOverride() != nil {
		lines = append(lines, "threshold override: active")
	} else {
		lines = append(lines, "threshold override: none")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - last rebalance status",
		"/pause - stop new rebalance decisions",
		"/resume - resume rebalance decisions",
		"/thresholds show - show active thresholds",
		"/thresholds set key=value ... - override thresholds (keys: soft, hard, partial_ratio)",
		"/thresholds reset - clear threshold override",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
