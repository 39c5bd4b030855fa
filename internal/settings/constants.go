package settings

// Runtime setting keys stored in the settings table. Each overrides the matching
// YAML value while the process is running.
const (
	// SiteNameKey is the display name returned by the public config endpoint.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback site name.
	DefaultSiteName = "Rapidalle"
	// GenerationCostCreditsKey overrides generation.cost-per-image.
	GenerationCostCreditsKey = "GENERATION_COST_CREDITS"
	// DefaultUserCreditsKey overrides generation.initial-credits for new users.
	DefaultUserCreditsKey = "DEFAULT_USER_CREDITS"
	// RateLimitMaxRequestsKey overrides rate-limit.max-requests.
	RateLimitMaxRequestsKey = "RATE_LIMIT_MAX_REQUESTS"
	// RateLimitWindowSecondsKey overrides rate-limit.window, in seconds.
	RateLimitWindowSecondsKey = "RATE_LIMIT_WINDOW_SECONDS"
	// UsageRetentionDaysKey overrides usage.retention-days; 0 disables cleanup.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"
)

// KnownKeys lists the keys the admin API accepts.
var KnownKeys = []string{
	SiteNameKey,
	GenerationCostCreditsKey,
	DefaultUserCreditsKey,
	RateLimitMaxRequestsKey,
	RateLimitWindowSecondsKey,
	UsageRetentionDaysKey,
}

// IsKnownKey reports whether key is an accepted runtime setting.
func IsKnownKey(key string) bool {
	for _, known := range KnownKeys {
		if known == key {
			return true
		}
	}
	return false
}
