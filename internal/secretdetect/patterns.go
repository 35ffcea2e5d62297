package secretdetect

import "regexp"

// DefaultPatterns are the credential formats redacted from tool output.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "AWS Access Key ID", Severity: SeverityHigh,
			Regex: regexp.MustCompile(`\b(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`)},
		{Name: "OpenAI Project Key", Severity: SeverityCritical,
			Regex: regexp.MustCompile(`sk-proj-[A-Za-z0-9_\-]{32,}`)},
		{Name: "Anthropic API Key", Severity: SeverityCritical,
			Regex: regexp.MustCompile(`sk-ant-[a-z0-9]+-[A-Za-z0-9_\-]{20,}`)},
		{Name: "OpenAI API Key", Severity: SeverityCritical,
			Regex: regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`)},
		{Name: "Google API Key", Severity: SeverityHigh,
			Regex: regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)},
		{Name: "GitHub Token", Severity: SeverityCritical,
			Regex: regexp.MustCompile(`\b(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`)},
		{Name: "GitHub Fine-grained Token", Severity: SeverityCritical,
			Regex: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{60,}`)},
		{Name: "Slack Token", Severity: SeverityHigh,
			Regex: regexp.MustCompile(`xox[abposr]-[0-9A-Za-z\-]{10,}`)},
		{Name: "Telegram Bot Token", Severity: SeverityHigh,
			Regex: regexp.MustCompile(`\b[0-9]{8,10}:AA[0-9A-Za-z_\-]{33}\b`)},
		{Name: "Private Key", Severity: SeverityCritical,
			Regex: regexp.MustCompile(`-----BEGIN ((RSA|EC|DSA|OPENSSH|PGP) )?PRIVATE KEY( BLOCK)?-----[\s\S]*?(-----END ((RSA|EC|DSA|OPENSSH|PGP) )?PRIVATE KEY( BLOCK)?-----|\z)`)},
		{Name: "Bearer Token", Severity: SeverityHigh, Group: 1, MinEntropy: 3.0,
			Regex: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=+/]{20,})`)},
		{Name: "Credential Assignment", Severity: SeverityMedium, Group: 2, MinEntropy: 3.5,
			Regex: regexp.MustCompile(`(?i)\b([a-z0-9_]*(?:api[_-]?key|secret|token|passw(?:or)?d))["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.+/=]{12,})`)},
	}
}
