package app

import (
	"fmt"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
)

// validateConfig rejects configurations that would start a hub that
// cannot do its job.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	for name, ch := range cfg.Channels {
		if !models.Channel(name).Valid() {
			return fmt.Errorf("channels.%s: unknown channel", name)
		}
		if ch.Enabled && name != string(models.ChannelWebchat) && ch.Endpoint == "" {
			return fmt.Errorf("channels.%s: enabled without endpoint", name)
		}
		if ch.ReplyWindow.Std() < 0 {
			return fmt.Errorf("channels.%s: negative reply_window", name)
		}
	}
	if cfg.SLA.WarnRatio < 0 || cfg.SLA.WarnRatio >= 1 {
		if cfg.SLA.WarnRatio != 0 {
			return fmt.Errorf("sla.warn_ratio must be in (0,1)")
		}
	}
	if cfg.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts must be >= 0")
	}
	if cfg.Assist.Enabled && cfg.Assist.APIKey == "" {
		return fmt.Errorf("assist.enabled requires assist.api_key")
	}
	if cfg.Retention.Enabled && cfg.Retention.ClosedThreadPeriod.Std() <= 0 {
		return fmt.Errorf("retention.enabled requires retention.closed_thread_period")
	}
	return nil
}
