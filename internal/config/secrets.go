package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.CrossChain.HMACSecret)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.URL)
	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Chain.PrivateKey)
	redact(&out.Chain.KeyPassword)
	redact(&out.Chain.RPCURL)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through
	// the redacted copy.
	out.Vault.Assets = cloneStrings(cfg.Vault.Assets)
	out.Allocation.Pools = cloneStrings(cfg.Allocation.Pools)
	out.Allocation.Operators = cloneStrings(cfg.Allocation.Operators)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	if cfg.Strategies != nil {
		out.Strategies = make([]StrategyConfig, len(cfg.Strategies))
		for i, s := range cfg.Strategies {
			s.Entrypoints = cloneStrings(s.Entrypoints)
			out.Strategies[i] = s
		}
	}
	if cfg.CrossChain.Remotes != nil {
		out.CrossChain.Remotes = append([]RemoteDomainConfig(nil), cfg.CrossChain.Remotes...)
	}
	if cfg.CrossChain.Hosted != nil {
		out.CrossChain.Hosted = append([]HostedStrategyConfig(nil), cfg.CrossChain.Hosted...)
	}
	if cfg.Chain.Markets != nil {
		out.Chain.Markets = append([]MarketConfig(nil), cfg.Chain.Markets...)
	}
	if cfg.Oracle.Prices != nil {
		out.Oracle.Prices = make(map[string]string, len(cfg.Oracle.Prices))
		for k, v := range cfg.Oracle.Prices {
			out.Oracle.Prices[k] = v
		}
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
