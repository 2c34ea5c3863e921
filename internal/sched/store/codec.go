package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed helpers over the byte-level port. Kept here so every component uses
// the same encoding.

func Decode[T any](r Record) (T, error) {
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", r.Key, err)
	}
	return v, nil
}

func GetAs[T any](ctx context.Context, s Store, kind Kind, key string) (T, int64, error) {
	var zero T
	r, err := s.Get(ctx, kind, key)
	if err != nil {
		return zero, 0, err
	}
	v, err := Decode[T](r)
	if err != nil {
		return zero, 0, err
	}
	return v, r.Version, nil
}

func PutAs(ctx context.Context, s Store, kind Kind, key string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, kind, key, data)
}

func CreateAs(ctx context.Context, s Store, kind Kind, key string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Create(ctx, kind, key, data)
}

func SwapAs(ctx context.Context, s Store, kind Kind, key string, expect int64, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.CompareAndSwap(ctx, kind, key, expect, data)
}

// ScanAs visits every decodable record of a kind. fn returning false stops.
func ScanAs[T any](ctx context.Context, s Store, kind Kind, fn func(v T, version int64) bool) error {
	return s.Scan(ctx, kind, func(r Record) bool {
		v, err := Decode[T](r)
		if err != nil {
			// Skip undecodable rows rather than aborting the whole scan.
			return true
		}
		return fn(v, r.Version)
	})
}
