// Package inmem is an in-memory fake of the mongo client surface for tests
// and local tooling. It evaluates the restricted filter subset the backend
// uses: equality and $gt/$gte/$lt/$lte comparisons, single-key sorts, and
// limits.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/durablekit/world/mongoworld/clients/mongo"
)

// Database is the fake. Collections spring into existence on first use.
type Database struct {
	mu          sync.Mutex
	collections map[string]*collection
}

// New returns an empty fake database.
func New() *Database {
	return &Database{collections: make(map[string]*collection)}
}

// Collection implements mongo.Database.
func (d *Database) Collection(name string) mongo.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll, ok := d.collections[name]
	if !ok {
		coll = &collection{}
		d.collections[name] = coll
	}
	return coll
}

type collection struct {
	mu     sync.Mutex
	docs   []bson.M
	unique []string
}

func (c *collection) InsertOne(_ context.Context, doc any) error {
	m, err := toMap(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.docs {
		if existing["_id"] == m["_id"] {
			return mongo.ErrDuplicate
		}
		for _, field := range c.unique {
			if v, ok := m[field]; ok && existing[field] == v {
				return mongo.ErrDuplicate
			}
		}
	}
	c.docs = append(c.docs, m)
	return nil
}

func (c *collection) FindOne(_ context.Context, filter any, opts ...*options.FindOneOptions) mongo.SingleResult {
	matches, err := c.match(filter)
	if err != nil {
		return singleResult{err: err}
	}
	for _, opt := range opts {
		if opt == nil || opt.Sort == nil {
			continue
		}
		key, asc, err := sortSpec(opt.Sort)
		if err != nil {
			return singleResult{err: err}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			less := compare(matches[i][key], matches[j][key]) < 0
			if !asc {
				return !less
			}
			return less
		})
	}
	if len(matches) == 0 {
		return singleResult{err: mongo.ErrNoDocuments}
	}
	return singleResult{doc: matches[0]}
}

func (c *collection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (mongo.Cursor, error) {
	matches, err := c.match(filter)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if opt.Sort != nil {
			key, asc, err := sortSpec(opt.Sort)
			if err != nil {
				return nil, err
			}
			sort.SliceStable(matches, func(i, j int) bool {
				less := compare(matches[i][key], matches[j][key]) < 0
				if !asc {
					return !less
				}
				return less
			})
		}
		if opt.Limit != nil && int64(len(matches)) > *opt.Limit {
			matches = matches[:*opt.Limit]
		}
	}
	return &cursor{docs: matches, pos: -1}, nil
}

func (c *collection) ReplaceOne(_ context.Context, filter, doc any) (int64, error) {
	m, err := toMap(doc)
	if err != nil {
		return 0, err
	}
	pred, err := toMap(filter)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.docs {
		if matches(existing, pred) {
			c.docs[i] = m
			return 1, nil
		}
	}
	return 0, nil
}

func (c *collection) DeleteOne(_ context.Context, filter any) (int64, error) {
	return c.delete(filter, 1)
}

func (c *collection) DeleteMany(_ context.Context, filter any) (int64, error) {
	return c.delete(filter, -1)
}

func (c *collection) delete(filter any, limit int) (int64, error) {
	pred, err := toMap(filter)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []bson.M
	var deleted int64
	for _, existing := range c.docs {
		if (limit < 0 || deleted < int64(limit)) && matches(existing, pred) {
			deleted++
			continue
		}
		kept = append(kept, existing)
	}
	c.docs = kept
	return deleted, nil
}

func (c *collection) Indexes() mongo.IndexView {
	return indexView{coll: c}
}

func (c *collection) match(filter any) ([]bson.M, error) {
	pred, err := toMap(filter)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bson.M
	for _, doc := range c.docs {
		if matches(doc, pred) {
			out = append(out, doc)
		}
	}
	return out, nil
}

type indexView struct {
	coll *collection
}

func (v indexView) CreateOne(_ context.Context, model mongodriver.IndexModel) (string, error) {
	if model.Options == nil || model.Options.Unique == nil || !*model.Options.Unique {
		return "", nil
	}
	keys, err := toMap(model.Keys)
	if err != nil {
		return "", err
	}
	v.coll.mu.Lock()
	defer v.coll.mu.Unlock()
	for key := range keys {
		v.coll.unique = append(v.coll.unique, key)
	}
	return "", nil
}

type singleResult struct {
	doc bson.M
	err error
}

func (r singleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return fromMap(r.doc, val)
}

type cursor struct {
	docs []bson.M
	pos  int
}

func (c *cursor) Next(context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *cursor) Decode(val any) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return mongo.ErrNoDocuments
	}
	return fromMap(c.docs[c.pos], val)
}

func (c *cursor) Err() error             { return nil }
func (c *cursor) Close(context.Context) error { return nil }

// matches evaluates the restricted filter subset against doc.
func matches(doc, pred bson.M) bool {
	for key, want := range pred {
		got := doc[key]
		if ops, ok := want.(bson.M); ok {
			for op, bound := range ops {
				cmp := compare(got, bound)
				switch op {
				case "$gt":
					if cmp <= 0 {
						return false
					}
				case "$gte":
					if cmp < 0 {
						return false
					}
				case "$lt":
					if cmp >= 0 {
						return false
					}
				case "$lte":
					if cmp > 0 {
						return false
					}
				default:
					return false
				}
			}
			continue
		}
		if compare(got, want) != 0 {
			return false
		}
	}
	return true
}

// compare orders two post-decode bson scalars. Numeric types are widened to
// float64 so int32/int64/float64 mixes compare consistently.
func compare(a, b any) int {
	if an, aok := numeric(a); aok {
		if bn, bok := numeric(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortSpec(spec any) (key string, asc bool, err error) {
	m, err := toMap(spec)
	if err != nil {
		return "", false, err
	}
	for k, v := range m {
		dir, _ := numeric(v)
		return k, dir >= 0, nil
	}
	return "", false, fmt.Errorf("empty sort spec")
}

func toMap(v any) (bson.M, error) {
	if m, ok := v.(bson.M); ok {
		return m, nil
	}
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m bson.M, val any) error {
	data, err := bson.Marshal(m)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, val)
}
