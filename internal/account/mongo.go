package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	accountsCollection = "accounts"
	ordersCollection   = "orders"
)

type MongoStore struct {
	db       *mongo.Database
	accounts *mongo.Collection
	now      func() time.Time
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	store := &MongoStore{
		db:       db,
		accounts: db.Collection(accountsCollection),
		now:      time.Now,
	}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// ensureIndexes creates the unique email index and a sparse index used by the
// pending two-factor cleanup.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("uniq_email").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "twoFactor.pendingSince", Value: 1}},
			Options: options.Index().SetName("two_factor_pending_since").SetSparse(true),
		},
	}

	if _, err := s.accounts.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("mongo ensure account indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return s.findOne(ctx, bson.M{"email": NormalizeEmail(email)})
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*Account, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*Account, error) {
	var acc Account
	if err := s.accounts.FindOne(ctx, filter).Decode(&acc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo find account: %w", err)
	}
	return &acc, nil
}

func (s *MongoStore) Create(ctx context.Context, acc *Account) error {
	acc.Email = NormalizeEmail(acc.Email)
	if _, err := s.accounts.InsertOne(ctx, acc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("mongo insert account: %w", err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, id string, changes Changes) error {
	if err := changes.Validate(); err != nil {
		return err
	}

	set := bson.M{"updatedAt": s.now().UTC()}
	if changes.Name != nil {
		set["name"] = *changes.Name
	}
	if changes.PasswordHash != nil {
		set["passwordHash"] = *changes.PasswordHash
	}
	if changes.PasswordChangedAt != nil {
		set["passwordChangedAt"] = *changes.PasswordChangedAt
	}
	if changes.Role != nil {
		set["role"] = *changes.Role
	}
	if changes.Active != nil {
		set["active"] = *changes.Active
	}
	if changes.Lockout != nil {
		set["lockout"] = *changes.Lockout
	}
	if changes.TwoFactor != nil {
		set["twoFactor"] = *changes.TwoFactor
	}
	if changes.LastLoginAt != nil {
		set["lastLoginAt"] = *changes.LastLoginAt
	}

	res, err := s.accounts.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo update account: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.accounts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo delete account: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ClearStalePendingTwoFactor(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	filter := bson.M{
		"twoFactor.enabled":      false,
		"twoFactor.pendingSince": bson.M{"$lte": cutoff.UTC()},
	}
	findOpts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "twoFactor.pendingSince", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cur, err := s.accounts.Find(ctx, filter, findOpts)
	if err != nil {
		return 0, fmt.Errorf("mongo find stale two-factor setups: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return 0, fmt.Errorf("mongo decode stale two-factor setup: %w", err)
		}
		ids = append(ids, row.ID)
	}
	if err := cur.Err(); err != nil {
		return 0, fmt.Errorf("mongo iterate stale two-factor setups: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.accounts.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "twoFactor.enabled": false},
		bson.M{"$set": bson.M{"twoFactor": TwoFactor{}, "updatedAt": s.now().UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo clear stale two-factor setups: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// MongoOrderHistory reads the orders collection written by the ordering service.
type MongoOrderHistory struct {
	orders *mongo.Collection
}

func NewMongoOrderHistory(db *mongo.Database) *MongoOrderHistory {
	return &MongoOrderHistory{orders: db.Collection(ordersCollection)}
}

func (h *MongoOrderHistory) HasOrders(ctx context.Context, accountID string) (bool, error) {
	count, err := h.orders.CountDocuments(ctx, bson.M{"user": accountID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("mongo count orders: %w", err)
	}
	return count > 0, nil
}
