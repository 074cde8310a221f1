package config

// Redacted returns a copy of the configuration with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or serving the
// active configuration so secrets are never accidentally exposed.
func (c *Config) Redacted() Config {
	out := *c // shallow copy of the top-level struct

	redact(&out.Redis.Password)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Gateway.APIKey)
	redact(&out.Gateway.Secret)
	redact(&out.Gateway.SecretPassword)
	redact(&out.Gateway.Passphrase)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Server.CORSOrigins = cloneStrings(c.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(c.Notify.Events)
	out.Risk.AllowedSymbols = cloneStrings(c.Risk.AllowedSymbols)
	if c.Instances != nil {
		out.Instances = make([]InstanceConfig, len(c.Instances))
		copy(out.Instances, c.Instances)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
