package repository

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"whatsapp-bridge/internal/domain"
)

// BagStore is implemented by every session bag backend.
type BagStore interface {
	Get(ctx context.Context, key string) (domain.Bag, bool, error)
	Put(ctx context.Context, key string, bag domain.Bag) error
	Clear(ctx context.Context, key string) error
}

// Open selects a backend from a connection string:
//
//	memory://
//	dynamodb://<table>
//	sqlite:///path/to/file.db
//
// Memory and SQLite backends get a janitor that purges expired bags; DynamoDB
// expires items through its TTL attribute. The returned close function stops
// the janitor and releases backend resources.
func Open(ctx context.Context, storeURL string, ttl time.Duration) (BagStore, func() error, error) {
	noop := func() error { return nil }
	raw := strings.TrimSpace(storeURL)
	if raw == "" {
		raw = "memory://"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, noop, fmt.Errorf("repository: parse store url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "memory":
		s, err := NewMemoryStore(ttl)
		if err != nil {
			return nil, noop, err
		}
		stop := janitor(s, purgeInterval(ttl), slog.Default())
		return s, func() error { stop(); return nil }, nil
	case "dynamodb":
		table := u.Host
		if table == "" {
			table = strings.TrimPrefix(u.Path, "/")
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("repository: load AWS config: %w", err)
		}
		s, err := NewDynamoStore(awsdynamodb.NewFromConfig(cfg), table, ttl)
		return s, noop, err
	case "sqlite":
		path := u.Host + u.Path
		s, err := OpenSQLiteStore(path, ttl)
		if err != nil {
			return nil, noop, err
		}
		stop := janitor(s, purgeInterval(ttl), slog.Default())
		return s, func() error {
			stop()
			return s.Close()
		}, nil
	default:
		return nil, noop, fmt.Errorf("repository: unsupported store scheme %q", u.Scheme)
	}
}
