package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secureuser/internal/domain/models"
	"secureuser/internal/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client *mongo.Client
	users  *mongo.Collection
	tokens *mongo.Collection
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Login     string    `bson:"login"`
	Email     string    `bson:"email"`
	PassHash  []byte    `bson:"pass_hash"`
	Verified  bool      `bson:"is_verified"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type tokenDoc struct {
	ID        string    `bson:"_id"`
	Token     string    `bson:"token"`
	Revoked   bool      `bson:"revoked"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
	TokenType string    `bson:"token_type"`
	SessionID string    `bson:"session_id"`
	OwnerID   string    `bson:"owner_id"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client: client,
		users:  db.Collection("users"),
		tokens: db.Collection("tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "login", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.login index: %w", err)
	}

	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("tokens.token index: %w", err)
	}

	// Revoked tokens are retained, so no TTL index here; session lookups
	// stay fast for owners with a long token history.
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "session_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("tokens.owner_session index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Storage) SaveUser(ctx context.Context, login, email string, passHash []byte, verified bool) (uuid.UUID, error) {
	const op = "storage.mongodb.SaveUser"

	id := uuid.New()
	now := time.Now()

	doc := userDoc{
		ID:        id.String(),
		Login:     login,
		Email:     email,
		PassHash:  passHash,
		Verified:  verified,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return uuid.Nil, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) UserByLogin(ctx context.Context, login string) (*models.User, error) {
	const op = "storage.mongodb.UserByLogin"
	return s.user(ctx, op, bson.D{{Key: "login", Value: login}})
}

func (s *Storage) UserByLoginOrEmail(ctx context.Context, identifier string) (*models.User, error) {
	const op = "storage.mongodb.UserByLoginOrEmail"
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "login", Value: identifier}},
		bson.D{{Key: "email", Value: identifier}},
	}}}
	return s.user(ctx, op, filter)
}

func (s *Storage) user(ctx context.Context, op string, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:        id,
		Login:     doc.Login,
		Email:     doc.Email,
		PassHash:  doc.PassHash,
		Verified:  doc.Verified,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Storage) SetUserVerified(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.mongodb.SetUserVerified"

	result, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "is_verified", Value: true},
			{Key: "updated_at", Value: time.Now()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) SaveTokens(ctx context.Context, tokens []models.Token) error {
	const op = "storage.mongodb.SaveTokens"

	docs := make([]any, 0, len(tokens))
	for _, t := range tokens {
		docs = append(docs, tokenDoc{
			ID:        t.ID.String(),
			Token:     t.Token,
			Revoked:   t.Revoked,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			TokenType: string(t.TokenType),
			SessionID: t.SessionID.String(),
			OwnerID:   t.OwnerID.String(),
		})
	}

	_, err := s.tokens.InsertMany(ctx, docs)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) TokenBySignedValue(ctx context.Context, signed string) (*models.Token, error) {
	const op = "storage.mongodb.TokenBySignedValue"

	var doc tokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token", Value: signed}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	token, err := doc.toModel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

func (s *Storage) ActiveTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Token, error) {
	const op = "storage.mongodb.ActiveTokensByOwner"
	return s.findTokens(ctx, op, bson.D{
		{Key: "owner_id", Value: ownerID.String()},
		{Key: "revoked", Value: false},
	})
}

func (s *Storage) ActiveTokensBySession(ctx context.Context, ownerID, sessionID uuid.UUID) ([]models.Token, error) {
	const op = "storage.mongodb.ActiveTokensBySession"
	return s.findTokens(ctx, op, bson.D{
		{Key: "owner_id", Value: ownerID.String()},
		{Key: "session_id", Value: sessionID.String()},
		{Key: "revoked", Value: false},
	})
}

func (s *Storage) findTokens(ctx context.Context, op string, filter bson.D) ([]models.Token, error) {
	cursor, err := s.tokens.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer cursor.Close(ctx)

	var result []models.Token
	for cursor.Next(ctx) {
		var doc tokenDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		token, err := doc.toModel()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *token)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ClaimToken atomically flips revoked=false->true via a conditional
// FindOneAndUpdate; concurrent claims on the same document resolve to a
// single winner.
func (s *Storage) ClaimToken(ctx context.Context, tokenID uuid.UUID) error {
	const op = "storage.mongodb.ClaimToken"

	err := s.tokens.FindOneAndUpdate(ctx,
		bson.D{
			{Key: "_id", Value: tokenID.String()},
			{Key: "revoked", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked", Value: true}}}},
	).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RevokeTokens(ctx context.Context, tokenIDs []uuid.UUID) error {
	const op = "storage.mongodb.RevokeTokens"

	if len(tokenIDs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		ids = append(ids, id.String())
	}

	_, err := s.tokens.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d tokenDoc) toModel() (*models.Token, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(d.SessionID)
	if err != nil {
		return nil, err
	}
	ownerID, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return nil, err
	}

	return &models.Token{
		ID:        id,
		Token:     d.Token,
		Revoked:   d.Revoked,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		TokenType: models.TokenType(d.TokenType),
		SessionID: sessionID,
		OwnerID:   ownerID,
	}, nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
