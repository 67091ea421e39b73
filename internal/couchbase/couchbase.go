// Package couchbase is a typed layer over a single Couchbase collection.
package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// Couchbase stores documents of type T in one collection.
type Couchbase[T any] struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

func NewCouchbase[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, collection *gocb.Collection) (*Couchbase[T], error) {
	if cluster == nil || bucket == nil || collection == nil {
		return nil, errors.New("invalid couchbase parameters: cluster, bucket and collection are required")
	}

	return &Couchbase[T]{
		cluster:    cluster,
		bucket:     bucket,
		collection: collection,
	}, nil
}

// Insert fails with gocb.ErrDocumentExists when key is taken.
func (c *Couchbase[T]) Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error {
	if opts == nil {
		opts = new(gocb.InsertOptions)
	}
	opts.Context = ctx

	if _, err := c.collection.Insert(key, value, opts); err != nil {
		return fmt.Errorf("failed to insert document %s: %w", key, err)
	}

	return nil
}

// Upsert writes value whether or not key exists.
func (c *Couchbase[T]) Upsert(ctx context.Context, key string, value T, opts *gocb.UpsertOptions) error {
	if opts == nil {
		opts = new(gocb.UpsertOptions)
	}
	opts.Context = ctx

	if _, err := c.collection.Upsert(key, value, opts); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", key, err)
	}

	return nil
}

// Get decodes the document at key. Missing documents wrap
// gocb.ErrDocumentNotFound.
func (c *Couchbase[T]) Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error) {
	if opts == nil {
		opts = new(gocb.GetOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Get(key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", key, err)
	}

	v := new(T)
	if err := res.Content(v); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", key, err)
	}
	setCas(v, res.Cas())

	return v, nil
}

// Exists reports whether a document is stored at key.
func (c *Couchbase[T]) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.collection.Exists(key, &gocb.ExistsOptions{Context: ctx})
	if err != nil {
		return false, fmt.Errorf("failed to check document %s: %w", key, err)
	}

	return res.Exists(), nil
}

// Replace writes v over key, guarded by v's CAS when it carries one.
func (c *Couchbase[T]) Replace(ctx context.Context, key string, v *T, opts *gocb.ReplaceOptions) error {
	if opts == nil {
		opts = new(gocb.ReplaceOptions)
	}
	opts.Context = ctx
	if g, ok := any(v).(CasGetter); ok && opts.Cas == 0 {
		opts.Cas = g.GetCas()
	}

	res, err := c.collection.Replace(key, v, opts)
	if err != nil {
		return fmt.Errorf("failed to replace document %s: %w", key, err)
	}
	setCas(v, res.Cas())

	return nil
}

// Remove is a no-op for missing documents.
func (c *Couchbase[T]) Remove(ctx context.Context, key string, opts *gocb.RemoveOptions) error {
	if opts == nil {
		opts = new(gocb.RemoveOptions)
	}
	opts.Context = ctx

	_, err := c.collection.Remove(key, opts)
	if err != nil && !errors.Is(err, gocb.ErrDocumentNotFound) {
		return fmt.Errorf("failed to remove document %s: %w", key, err)
	}

	return nil
}

// Query runs a N1QL statement and decodes every row as T.
func (c *Couchbase[T]) Query(ctx context.Context, statement string, opts *gocb.QueryOptions) ([]T, error) {
	if opts == nil {
		opts = new(gocb.QueryOptions)
	}
	opts.Context = ctx

	result, err := c.cluster.Query(statement, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer result.Close()

	var items []T
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to decode query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	return items, nil
}

// Keyspace is the fully qualified bucket.scope.collection name for use in
// N1QL statements.
func (c *Couchbase[T]) Keyspace() string {
	return fmt.Sprintf("`%s`.`%s`.`%s`", c.bucket.Name(), c.collection.ScopeName(), c.collection.Name())
}

func (c *Couchbase[T]) Collection() *gocb.Collection {
	return c.collection
}

func setCas(v any, cas gocb.Cas) {
	if s, ok := v.(CasSetter); ok {
		s.SetCas(cas)
	}
}
