// Package mongo persists membership records in MongoDB. Commit requires a
// replica set or sharded cluster because batches run in a transaction.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clubkit.org/internal/membership"
	"clubkit.org/internal/obs"
)

const (
	recordsCollection    = "memberships"
	commentsCollection   = "membership_comments"
	categoriesCollection = "membership_categories"

	opTimeout = 5 * time.Second
)

type Store struct {
	db         *mongo.Database
	records    *mongo.Collection
	comments   *mongo.Collection
	categories *mongo.Collection
}

var (
	_ membership.Store         = (*Store)(nil)
	_ membership.CatalogSource = (*Store)(nil)
)

// Connect dials uri, pings the deployment and returns a store on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri not provided")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	obs.Logger().Info().Str("database", database).Msg("connected to mongo")
	return New(client.Database(database)), nil
}

func New(db *mongo.Database) *Store {
	return &Store{
		db:         db,
		records:    db.Collection(recordsCollection),
		comments:   db.Collection(commentsCollection),
		categories: db.Collection(categoriesCollection),
	}
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// EnsureIndexes creates the key and single-last-record indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "member_key", Value: 1}, {Key: "org_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"rel_is_last": true}).
				SetName("memberships_last"),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "member_key", Value: 1}, {Key: "org_key", Value: 1}, {Key: "order", Value: 1}},
		},
	})
	if err != nil {
		return err
	}
	_, err = s.comments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "target_key", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

func (s *Store) Get(ctx context.Context, tenantID, key string) (membership.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rec membership.Record
	err := s.records.FindOne(ctx, bson.M{"tenant_id": tenantID, "key": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return membership.Record{}, membership.ErrNotFound
	}
	return rec, err
}

func (s *Store) Thread(ctx context.Context, tenantID, memberKey, orgKey string) ([]membership.Record, error) {
	q := membership.Query{
		TenantID:        tenantID,
		MemberKey:       memberKey,
		OrgKey:          orgKey,
		IncludeArchived: true,
		OrderBy:         membership.OrderByOrder,
	}
	return s.find(ctx, searchFilter(q), findOptions(q).SetLimit(0))
}

func (s *Store) Search(ctx context.Context, q membership.Query) ([]membership.Record, error) {
	return s.find(ctx, searchFilter(q), findOptions(q))
}

func (s *Store) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]membership.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cursor, err := s.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var res []membership.Record
	if err := cursor.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func searchFilter(q membership.Query) bson.D {
	filter := bson.D{{Key: "tenant_id", Value: q.TenantID}}
	add := func(field, value string) {
		if value != "" {
			filter = append(filter, bson.E{Key: field, Value: value})
		}
	}
	add("member_key", q.MemberKey)
	add("org_key", q.OrgKey)
	add("category", q.Category)
	add("state", q.State)
	if q.OnlyOpen {
		filter = append(filter,
			bson.E{Key: "rel_is_last", Value: true},
			bson.E{Key: "date_of_exit", Value: string(membership.OpenDate)})
	}
	if !q.IncludeArchived {
		filter = append(filter, bson.E{Key: "archived", Value: bson.M{"$ne": true}})
	}
	return filter
}

var sortFields = map[string][]string{
	membership.OrderByEntry:    {"date_of_entry"},
	membership.OrderByExit:     {"date_of_exit"},
	membership.OrderByOrder:    {"order"},
	membership.OrderByCategory: {"category"},
	membership.OrderByMember:   {"member_name1", "member_name2"},
}

func findOptions(q membership.Query) *options.FindOptions {
	fields, ok := sortFields[q.OrderBy]
	if !ok {
		fields = sortFields[membership.OrderByEntry]
	}
	dir := 1
	if q.Desc {
		dir = -1
	}
	sort := bson.D{}
	for _, f := range fields {
		sort = append(sort, bson.E{Key: f, Value: dir})
	}
	sort = append(sort, bson.E{Key: "key", Value: dir})
	return options.Find().SetSort(sort).SetLimit(int64(q.NormalizedLimit()))
}

// Commit applies the batch inside a multi-document transaction.
func (s *Store) Commit(ctx context.Context, b membership.Batch) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, s.apply(sc, b)
	})
	return err
}

// apply writes the batch. Updates match on the version they were read at.
func (s *Store) apply(ctx context.Context, b membership.Batch) error {
	updated, inserted := b.Committed()
	for i, rec := range updated {
		res, err := s.records.ReplaceOne(ctx, bson.M{
			"tenant_id": rec.TenantID,
			"key":       rec.Key,
			"version":   b.Updates[i].Version,
		}, rec)
		if err != nil {
			return mapError(err)
		}
		if res.MatchedCount == 0 {
			return s.missingOrStale(ctx, rec)
		}
	}
	for _, rec := range inserted {
		if _, err := s.records.InsertOne(ctx, rec); err != nil {
			return mapError(err)
		}
	}
	if len(b.Comments) > 0 {
		docs := make([]interface{}, 0, len(b.Comments))
		for _, c := range b.Comments {
			docs = append(docs, c)
		}
		if _, err := s.comments.InsertMany(ctx, docs); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (s *Store) missingOrStale(ctx context.Context, rec membership.Record) error {
	n, err := s.records.CountDocuments(ctx, bson.M{"tenant_id": rec.TenantID, "key": rec.Key})
	if err != nil {
		return err
	}
	if n == 0 {
		return membership.ErrNotFound
	}
	return membership.ErrConflict
}

func mapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", membership.ErrConflict, err)
	}
	return err
}

func (s *Store) Comments(ctx context.Context, tenantID, targetKey string) ([]membership.Comment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cursor, err := s.comments.Find(ctx,
		bson.M{"tenant_id": tenantID, "target_key": targetKey},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "key", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var res []membership.Comment
	if err := cursor.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

type catalogDoc struct {
	TenantID   string                `bson:"tenant_id"`
	Categories []membership.Category `bson:"categories"`
	UpdatedAt  time.Time             `bson:"updated_at"`
}

// Catalog loads the tenant's category catalog document.
func (s *Store) Catalog(ctx context.Context, tenantID string) (cat *membership.Catalog, err error) {
	defer func() { obs.ObserveCatalogLoad("mongo", err) }()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc catalogDoc
	err = s.categories.FindOne(ctx, bson.M{"tenant_id": tenantID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: no catalog for tenant %s", membership.ErrInvalidCatalog, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return membership.NewCatalog(tenantID, doc.Categories)
}

// SaveCatalog upserts the tenant's catalog document.
func (s *Store) SaveCatalog(ctx context.Context, cat *membership.Catalog) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := catalogDoc{TenantID: cat.TenantID(), Categories: cat.Entries(), UpdatedAt: time.Now().UTC()}
	_, err := s.categories.ReplaceOne(ctx, bson.M{"tenant_id": doc.TenantID}, doc, options.Replace().SetUpsert(true))
	return err
}
