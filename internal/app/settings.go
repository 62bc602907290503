package app

import (
	"context"
	"encoding/json"
	"strings"

	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/store"
)

const (
	SettingsFromStore    = "store"
	SettingsFromMirror   = "mirror"
	SettingsFromDefaults = "defaults"
)

// SettingsView is the agency settings map and the layer that produced it.
type SettingsView struct {
	Values map[string]json.RawMessage `json:"settings"`
	Source string                     `json:"source"`
}

// DefaultSettings answers when neither the store nor the mirror can.
func DefaultSettings() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"agencyName":           json.RawMessage(`"BrokerDesk Agency"`),
		"currency":             json.RawMessage(`"INR"`),
		"timezone":             json.RawMessage(`"Asia/Kolkata"`),
		"renewalReminderDays":  json.RawMessage(`30`),
		"notificationChannels": json.RawMessage(`["email","whatsapp"]`),
		"pdfIntakeEnabled":     json.RawMessage(`true`),
	}
}

// SaveSettings upserts every entry, mirrors the merged map as one blob and
// tells the actor's other devices.
func (s *Service) SaveSettings(ctx context.Context, actor Actor, values map[string]json.RawMessage) (SettingsView, error) {
	if len(values) == 0 {
		return SettingsView{}, &store.ValidationError{Field: "settings", Message: "must not be empty"}
	}
	for key, value := range values {
		if strings.TrimSpace(key) == "" {
			return SettingsView{}, &store.ValidationError{Field: "settings", Message: "keys must not be blank"}
		}
		if !json.Valid(value) {
			return SettingsView{}, &store.ValidationError{Field: key, Message: "must be valid JSON"}
		}
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	for key, value := range values {
		if err := s.store.UpsertSetting(storeCtx, key, value, actor.UserID); err != nil {
			return SettingsView{}, err
		}
	}
	stored, err := s.store.ListSettings(storeCtx)
	if err != nil {
		return SettingsView{}, err
	}

	merged := overlay(DefaultSettings(), stored)
	s.mirror.TryPut(ctx, mirror.SettingsKey, merged)
	s.notify(ctx, actor, "settings_updated", merged)
	return SettingsView{Values: merged, Source: SettingsFromStore}, nil
}

// Settings reads through store, then mirror, then defaults. It never fails.
func (s *Service) Settings(ctx context.Context) SettingsView {
	storeCtx, cancel := s.storeContext(ctx)
	stored, err := s.store.ListSettings(storeCtx)
	cancel()
	if err == nil {
		return SettingsView{Values: overlay(DefaultSettings(), stored), Source: SettingsFromStore}
	}
	s.logger.Warn("settings store unavailable, trying mirror", "error", err)

	if raw, ok := s.mirror.TryGet(ctx, mirror.SettingsKey); ok {
		var mirrored map[string]json.RawMessage
		if err := json.Unmarshal(raw, &mirrored); err == nil {
			return SettingsView{Values: overlay(DefaultSettings(), mirrored), Source: SettingsFromMirror}
		}
	}
	return SettingsView{Values: DefaultSettings(), Source: SettingsFromDefaults}
}

func overlay(base, values map[string]json.RawMessage) map[string]json.RawMessage {
	for key, value := range values {
		base[key] = value
	}
	return base
}
