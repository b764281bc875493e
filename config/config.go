// birch/config/config.go
package config

const (
	AppVersion = "0.31-beta"

	// Form & Post Limits
	MaxNameLen    = 75
	MaxTopicLen   = 100
	MaxCommentLen = 8000

	// File Upload Limits
	MaxFileSize     = 15 * 1024 * 1024 // 15MB
	ThumbnailWidth  = 250
	ThumbnailHeight = 250

	// Unclaimed-file staging
	ClaimIDLength     = 6
	ClaimRetries      = 3
	ClaimRetryDelay   = "25ms"
	DefaultStagingTTL = "15m"
	DefaultTrimEvery  = "1m"

	// Attachment placeholders
	PlaceholderThumb = "/static/placeholder.png"
	SpoilerThumb     = "/static/spoiler.png"

	// Invitation code salt literal, embedded in every code before the
	// XOR pass and re-checked on decode.
	CodeSaltLiteral = "birch-v1"

	// Rate Limiting Defaults
	DefaultRateLimitEvery  = "30s"
	DefaultRateLimitBurst  = 3
	DefaultRateLimitPrune  = "1h"
	DefaultRateLimitExpire = "24h"
)
