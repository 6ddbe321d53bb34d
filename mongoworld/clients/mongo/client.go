// Package mongo hosts the narrow MongoDB surface used by the mongoworld
// backend. Stores program against Database/Collection/Cursor instead of the
// driver types so tests can substitute the in-memory fake under inmem/.
package mongo

import (
	"context"
	"errors"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ErrDuplicate is returned by fakes on unique key violations. The real driver
// reports duplicates through write exceptions; IsDuplicate recognizes both.
var ErrDuplicate = errors.New("duplicate key")

// IsDuplicate reports whether err is a unique index violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate) || mongodriver.IsDuplicateKeyError(err)
}

type (
	// Database yields named collections.
	Database interface {
		Collection(name string) Collection
	}

	// Collection is the subset of driver collection operations the backend
	// uses. Filters are bson values restricted to equality and the
	// $gt/$gte/$lt/$lte comparison operators so the in-memory fake can
	// evaluate them.
	Collection interface {
		InsertOne(ctx context.Context, doc any) error
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult
		Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error)
		// ReplaceOne returns the number of replaced documents; zero means
		// the filter matched nothing.
		ReplaceOne(ctx context.Context, filter, doc any) (int64, error)
		DeleteOne(ctx context.Context, filter any) (int64, error)
		DeleteMany(ctx context.Context, filter any) (int64, error)
		Indexes() IndexView
	}

	// IndexView creates indexes.
	IndexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
	}

	// SingleResult decodes a single document.
	SingleResult interface {
		// Decode reports ErrNoDocuments when the filter matched nothing.
		Decode(val any) error
	}

	// Cursor iterates a result set.
	Cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}
)

// ErrNoDocuments aliases the driver sentinel so callers need not import it.
var ErrNoDocuments = mongodriver.ErrNoDocuments

// NewDatabase wraps a driver database in the Database interface.
func NewDatabase(db *mongodriver.Database) Database {
	return mongoDatabase{db: db}
}

// Ping verifies connectivity against the primary.
func Ping(ctx context.Context, client *mongodriver.Client) error {
	return client.Ping(ctx, readpref.Primary())
}

type mongoDatabase struct {
	db *mongodriver.Database
}

func (d mongoDatabase) Collection(name string) Collection {
	return mongoCollection{coll: d.db.Collection(name)}
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, doc any) (int64, error) {
	res, err := c.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) Indexes() IndexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
