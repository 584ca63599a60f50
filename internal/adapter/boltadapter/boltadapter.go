// Package boltadapter implements adapter.Adapter over go.etcd.io/bbolt, an
// embedded alternative to the Redis-backed adapter for single-process or
// test deployments — sourced from hashicorp-nomad's client-state store,
// which uses bbolt the same way (single file, top-level buckets per
// concern, opened once at startup).
package boltadapter

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/adapter"
)

func init() {
	adapter.Register("bolt", New)
}

// Bucket names used by the repository package.
const (
	BucketTasks = "tasks"
)

// Adapter wraps a *bbolt.DB as a taskengine Adapter.
type Adapter struct {
	alias string
	path  string
	db    *bbolt.DB
}

func New(alias string, args map[string]any) (adapter.Adapter, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, &adapter.ConfigError{Flavour: "bolt", Reason: "path is required"}
	}
	return &Adapter{alias: alias, path: path}, nil
}

func (a *Adapter) Alias() string   { return a.alias }
func (a *Adapter) Flavour() string { return "bolt" }

func (a *Adapter) Initialize(ctx context.Context) error {
	db, err := bbolt.Open(a.path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("boltadapter: failed to open %s: %w", a.path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketTasks))
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("boltadapter: failed to create buckets: %w", err)
	}
	a.db = db
	return nil
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// DB exposes the underlying *bbolt.DB for the repository package.
func (a *Adapter) DB() *bbolt.DB { return a.db }
