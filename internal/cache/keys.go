package cache

import (
	"fmt"
	"strings"
)

const intentPrefix = "intent:"

// IntentKey is the durable slot holding the in-flight job intent of one entity.
func IntentKey(entityID string) string {
	return intentPrefix + entityID
}

// IntentPattern matches every intent slot, for SCAN.
func IntentPattern() string {
	return intentPrefix + "*"
}

// EntityFromIntentKey reverses IntentKey. ok is false for foreign keys.
func EntityFromIntentKey(key string) (string, bool) {
	if !strings.HasPrefix(key, intentPrefix) || len(key) == len(intentPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, intentPrefix), true
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
