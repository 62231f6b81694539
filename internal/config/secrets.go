package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log: every non-empty secret
// is replaced by "***" and slices are cloned so the copy cannot alias cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, s := range out.secrets() {
		if *s != "" {
			*s = redacted
		}
	}
	out.Trading.Symbols = slices.Clone(cfg.Trading.Symbols)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

func (c *Config) secrets() []*string {
	return []*string{
		&c.Wallet.PrivateKey,
		&c.Wallet.KeyPassword,
		&c.Polymarket.ApiKey,
		&c.Polymarket.ApiSecret,
		&c.Polymarket.ApiPassphrase,
		&c.Postgres.DSN,
		&c.Postgres.Password,
		&c.Redis.Password,
		&c.S3.AccessKey,
		&c.S3.SecretKey,
		&c.Notify.TelegramToken,
		&c.Notify.DiscordWebhookURL,
	}
}
