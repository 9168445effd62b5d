package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***" so
// the active configuration can be logged.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Redis.Password)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Notify.TelegramToken)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Server.RelayChannels = append([]string(nil), cfg.Server.RelayChannels...)
	out.Notify.Statuses = append([]string(nil), cfg.Notify.Statuses...)
	out.Display.DepthPercentages = append([]float64(nil), cfg.Display.DepthPercentages...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
