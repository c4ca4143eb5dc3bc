// Package cache serves repeated requests from a key-value store before
// they reach the admission controller, and populates the store from
// upstream responses that carry a max-age.
package cache

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

const keyPrefix = "CACHE"

// Interceptor wraps a Store with key derivation and compression
type Interceptor struct {
	store  domain.Store
	config domain.CacheConfig
	logger *logger.Logger
}

// NewInterceptor creates a cache interceptor over store
func NewInterceptor(store domain.Store, config domain.CacheConfig, log *logger.Logger) *Interceptor {
	return &Interceptor{
		store:  store,
		config: config,
		logger: log.CacheLogger(),
	}
}

// Enabled reports whether lookups should be attempted at all
func (i *Interceptor) Enabled() bool {
	return i != nil && i.config.Enabled && i.store != nil
}

// Key derives the cache key for a request. With hashing on the key is the
// xxh3 digest of the literal key; otherwise, with compression on, it is
// the gzip of the literal key.
func (i *Interceptor) Key(method, uri string, body []byte) (string, error) {
	var b strings.Builder
	b.Grow(len(keyPrefix) + len(method) + len(uri) + len(body) + 3)
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(uri)
	b.WriteByte(':')
	b.Write(body)
	literal := b.String()

	switch {
	case i.config.HashKeys:
		sum := xxh3.HashString128(literal).Bytes()
		return keyPrefix + ":" + hex.EncodeToString(sum[:]), nil
	case i.config.Compression:
		compressed, err := Compress([]byte(literal))
		if err != nil {
			return "", lberrors.WrapError(err, lberrors.ErrCodeCompression, "cache", "failed to compress cache key")
		}
		return string(compressed), nil
	default:
		return literal, nil
	}
}

// Lookup returns the stored body for key. Store failures are reported as
// a miss; a corrupt compressed value is returned as an error.
func (i *Interceptor) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := i.store.Get(ctx, key)
	if err != nil {
		i.logger.WithError(err).Warn("Cache lookup failed, treating as miss")
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}

	if i.config.Compression {
		value, err = Decompress(value)
		if err != nil {
			return nil, false, lberrors.WrapError(err, lberrors.ErrCodeCompression, "cache", "failed to decompress cached body")
		}
	}
	return value, true, nil
}

// Store saves body under key for ttl. Only compression failures are
// returned; a failed write is logged and dropped.
func (i *Interceptor) Store(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	value := body
	if i.config.Compression {
		compressed, err := Compress(body)
		if err != nil {
			return lberrors.WrapError(err, lberrors.ErrCodeCompression, "cache", "failed to compress response body")
		}
		value = compressed
	}

	if err := i.store.Set(ctx, key, value, ttl); err != nil {
		i.logger.WithError(err).WithField("ttl", ttl.String()).Warn("Cache write failed")
	}
	return nil
}

// ParseTTL extracts a positive max-age from a Cache-Control header. A bare
// integer is accepted as a max-age as well. no-store and private responses
// are never cached.
func ParseTTL(cacheControl string) (time.Duration, bool) {
	var ttl time.Duration
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store" || directive == "private":
			return 0, false
		case strings.HasPrefix(directive, "max-age="):
			if seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil {
				ttl = time.Duration(seconds) * time.Second
			}
		default:
			if seconds, err := strconv.Atoi(directive); err == nil && ttl == 0 {
				ttl = time.Duration(seconds) * time.Second
			}
		}
	}
	return ttl, ttl > 0
}
