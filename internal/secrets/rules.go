package secrets

// DefaultRules covers cloud credentials, VCS and SaaS tokens, private keys
// and common KEY=value assignments.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`},
		{ID: "aws-secret-access-key", Keywords: []string{"aws", "secret_access"},
			Pattern: `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`},
		{ID: "private-key", Keywords: []string{"private key"},
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{ID: "github-token", Pattern: `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "anthropic-key", Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`},
		{ID: "openai-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9_\-]{32,}`},
		{ID: "google-api-key", Pattern: `AIza[A-Za-z0-9_\-]{35}`},
		{ID: "npm-token", Pattern: `npm_[A-Za-z0-9]{36}`},
		{ID: "sendgrid-key", Pattern: `SG\.[A-Za-z0-9_\-]{22,}\.[A-Za-z0-9_\-]{43,}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`},
		{ID: "database-url", Keywords: []string{"://"},
			Pattern: `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?)://[^:\s/]+:[^@\s]+@[^\s'"]+`},
		{ID: "bearer-token", Keywords: []string{"bearer"},
			Pattern: `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`},
		{ID: "generic-assignment", Keywords: []string{"key", "secret", "token", "password", "passwd"},
			Pattern: `(?i)[A-Za-z0-9_]*(?:api[_-]?key|secret|token|password|passwd)[A-Za-z0-9_]*\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`},
	}
}
