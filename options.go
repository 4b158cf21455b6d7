package ioclookup

import "github.com/sjzar/ioclookup/internal/dbfile"

// openConfig holds the resolved settings for Open/OpenTrusted. With no
// options, defaultOpenConfig gives Strict validation, no cache, mmap
// enabled.
type openConfig struct {
	trusted      bool
	validation   ValidationLevel
	cacheSize    int
	useMmap      bool
	validationOK bool // true once the caller explicitly set Validation
}

func defaultOpenConfig() openConfig {
	return openConfig{
		validation: ValidationStrict,
		useMmap:    true,
	}
}

// OpenOption configures Open/OpenTrusted.
type OpenOption func(*openConfig)

// WithValidation overrides the validation level Open runs before serving
// queries. OpenTrusted ignores this and always skips validation.
func WithValidation(level ValidationLevel) OpenOption {
	return func(c *openConfig) {
		c.validation = level
		c.validationOK = true
	}
}

// WithCache enables the optional LRU result cache (spec §4.6.1) with room
// for size entries. size <= 0 leaves the cache disabled.
func WithCache(size int) OpenOption {
	return func(c *openConfig) { c.cacheSize = size }
}

// WithoutMmap forces Open to read the whole file into memory instead of
// memory-mapping it, matching oschwald/maxminddb-golang's fallback path
// for platforms or filesystems where mmap is unavailable.
func WithoutMmap() OpenOption {
	return func(c *openConfig) { c.useMmap = false }
}

// builderConfig holds Builder construction settings.
type builderConfig struct {
	matchMode    uint16
	withProgress bool
	validateIDNA bool
	validateDNS  bool
}

func defaultBuilderConfig() builderConfig {
	return builderConfig{}
}

// BuilderOption configures NewBuilder.
type BuilderOption func(*builderConfig)

// WithCaseInsensitive makes the built database fold literal and glob
// matching to a case-insensitive comparison (spec §4.4, §4.5.3).
func WithCaseInsensitive() BuilderOption {
	return func(c *builderConfig) { c.matchMode = dbfile.MatchModeInsensitive }
}

// WithProgress reports construction progress across the builder's four
// stages (trie, literal table, AC+glob, assembly) to stderr.
func WithProgress(enabled bool) BuilderOption {
	return func(c *builderConfig) { c.withProgress = enabled }
}

// WithIDNA converts internationalized domain-name keys passed to
// AddLiteral/AddGlob to their ASCII (punycode) form before storage.
func WithIDNA(enabled bool) BuilderOption {
	return func(c *builderConfig) { c.validateIDNA = enabled }
}

// WithDomainValidation rejects every literal/glob key that fails
// dns.IsDomainName, surfacing a literal as InvalidEntryError and a glob as
// PatternErrorDetail instead of silently storing a malformed key.
func WithDomainValidation(enabled bool) BuilderOption {
	return func(c *builderConfig) { c.validateDNS = enabled }
}
