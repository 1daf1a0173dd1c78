package config

import "slices"

// Sanitize returns a copy of cfg that is safe to log.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	out := *cfg
	out.Cluster.Seeds = slices.Clone(cfg.Cluster.Seeds)
	out.Security.AdminAllowList = slices.Clone(cfg.Security.AdminAllowList)
	out.Security.CredentialKey = maskSecret(cfg.Security.CredentialKey)
	return &out
}

// maskSecret keeps two characters at each end of long secrets. The mask
// has a fixed width so the secret length is not revealed.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) < 8:
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
