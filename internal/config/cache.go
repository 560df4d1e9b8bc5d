package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CacheConfig defines settings for the response cache middleware used on
// the public slot listing.  Caching is disabled when Enabled is false or
// no Redis client is available.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool
	TTL          time.Duration
	KeyStrategy  string // route, method_route, method_route_query, route_query
	Prefix       string
	MaxBodyBytes int
}

var cacheDefaults = map[string]any{
	"CACHE_ENABLED":        true,
	"CACHE_METHODS":        "GET",
	"CACHE_TTL":            "5s",
	"CACHE_KEY_STRATEGY":   "route_query",
	"CACHE_PREFIX":         "cache",
	"CACHE_MAX_BODY_BYTES": 1 << 20,
}

// LoadCacheConfig reads the CACHE_* variables.  Slot availability changes
// with every booking, so the default TTL is short.
func LoadCacheConfig(v *viper.Viper) CacheConfig {
	ttl := v.GetDuration("CACHE_TTL")
	if ttl <= 0 {
		ttl = time.Second
	}
	return CacheConfig{
		Enabled:      v.GetBool("CACHE_ENABLED"),
		Methods:      parseMethods(v.GetString("CACHE_METHODS")),
		TTL:          ttl,
		KeyStrategy:  v.GetString("CACHE_KEY_STRATEGY"),
		Prefix:       v.GetString("CACHE_PREFIX"),
		MaxBodyBytes: v.GetInt("CACHE_MAX_BODY_BYTES"),
	}
}

func parseMethods(s string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}
