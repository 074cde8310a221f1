package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// diagnosticsTTL expires snapshots of instances that stopped publishing.
const diagnosticsTTL = 10 * time.Minute

// DiagnosticsCache implements domain.DiagnosticsCache with one hash holding
// the JSON diagnostics of every instance.
//
// Key schema:
//
//	diag:instances - hash instanceKey -> JSON diagnostics
type DiagnosticsCache struct {
	rdb    *redis.Client
	client *Client
}

// NewDiagnosticsCache creates a DiagnosticsCache backed by the given Client.
func NewDiagnosticsCache(c *Client) *DiagnosticsCache {
	return &DiagnosticsCache{rdb: c.Underlying(), client: c}
}

func (dc *DiagnosticsCache) key() string { return dc.client.Key("diag:instances") }

// SetDiagnostics stores d under its instance key.
func (dc *DiagnosticsCache) SetDiagnostics(ctx context.Context, d domain.Diagnostics) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("redis: marshal diagnostics %s: %w", d.InstanceKey, err)
	}
	pipe := dc.rdb.TxPipeline()
	pipe.HSet(ctx, dc.key(), d.InstanceKey, data)
	pipe.Expire(ctx, dc.key(), diagnosticsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set diagnostics %s: %w", d.InstanceKey, err)
	}
	return nil
}

// GetDiagnostics returns the diagnostics of one instance, or
// domain.ErrNotFound.
func (dc *DiagnosticsCache) GetDiagnostics(ctx context.Context, instanceKey string) (domain.Diagnostics, error) {
	data, err := dc.rdb.HGet(ctx, dc.key(), instanceKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Diagnostics{}, domain.ErrNotFound
		}
		return domain.Diagnostics{}, fmt.Errorf("redis: get diagnostics %s: %w", instanceKey, err)
	}
	var d domain.Diagnostics
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Diagnostics{}, fmt.Errorf("redis: unmarshal diagnostics %s: %w", instanceKey, err)
	}
	return d, nil
}

// ListDiagnostics returns every cached snapshot ordered by instance key.
// Undecodable entries are skipped.
func (dc *DiagnosticsCache) ListDiagnostics(ctx context.Context) ([]domain.Diagnostics, error) {
	all, err := dc.rdb.HGetAll(ctx, dc.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list diagnostics: %w", err)
	}
	return decodeDiagnostics(all), nil
}

func decodeDiagnostics(all map[string]string) []domain.Diagnostics {
	out := make([]domain.Diagnostics, 0, len(all))
	for _, raw := range all {
		var d domain.Diagnostics
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceKey < out[j].InstanceKey })
	return out
}

// Compile-time interface check.
var _ domain.DiagnosticsCache = (*DiagnosticsCache)(nil)
