// Package mongo persists trees, nodes, notifications and users in MongoDB.
// Batch commits run inside a multi-document transaction, so the server
// must be a replica set (a single-node replica set is enough).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"treehub/internal/model"
	"treehub/internal/store"
)

const (
	treesCollection         = "trees"
	nodesCollection         = "nodes"
	notificationsCollection = "notifications"
	usersCollection         = "users"
	followsCollection       = "follows"
)

// Store is the MongoDB Graph Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	nowFn  func() time.Time
}

var (
	_ store.GraphStore    = (*Store)(nil)
	_ store.IdentityStore = (*Store)(nil)
)

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		nowFn:  time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(nodesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tree_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create node index: %w", err)
	}
	_, err = s.db.Collection(notificationsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create notification index: %w", err)
	}
	return nil
}

// CreateTree inserts a new tree at version 1.
func (s *Store) CreateTree(ctx context.Context, tree *model.Tree) error {
	now := s.nowFn()
	tree.Version = 1
	tree.CreatedAt = now
	tree.UpdatedAt = now
	if tree.Collaborators == nil {
		tree.Collaborators = []string{}
	}
	if tree.Edges == nil {
		tree.Edges = []model.Edge{}
	}
	if _, err := s.db.Collection(treesCollection).InsertOne(ctx, tree); err != nil {
		return fmt.Errorf("insert tree %s: %w", tree.ID, err)
	}
	return nil
}

// LoadTree fetches a tree by id.
func (s *Store) LoadTree(ctx context.Context, treeID string) (*model.Tree, error) {
	var tree model.Tree
	err := s.db.Collection(treesCollection).FindOne(ctx, bson.M{"_id": treeID}).Decode(&tree)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", treeID, err)
	}
	return &tree, nil
}

// LoadNode fetches a node by id.
func (s *Store) LoadNode(ctx context.Context, nodeID string) (*model.Node, error) {
	var node model.Node
	err := s.db.Collection(nodesCollection).FindOne(ctx, bson.M{"_id": nodeID}).Decode(&node)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", nodeID, err)
	}
	return &node, nil
}

// ListNodes returns the live nodes of a tree ordered by creation.
func (s *Store) ListNodes(ctx context.Context, treeID string) ([]*model.Node, error) {
	if _, err := s.LoadTree(ctx, treeID); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(nodesCollection).Find(ctx, bson.M{
		"tree_id": treeID,
		"deleted": bson.M{"$ne": true},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", treeID, err)
	}
	defer cursor.Close(ctx)

	nodes := make([]*model.Node, 0)
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, fmt.Errorf("decode nodes of %s: %w", treeID, err)
	}
	return nodes, nil
}

// Commit writes the batch inside one transaction. Each write is guarded by
// a version filter; a missed filter aborts the whole transaction.
func (s *Store) Commit(ctx context.Context, batch store.Batch) (store.Batch, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return store.Batch{}, fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.commitInTxn(sc, batch)
	})
	if err != nil {
		return store.Batch{}, err
	}
	return result.(store.Batch), nil
}

func (s *Store) commitInTxn(ctx mongo.SessionContext, batch store.Batch) (store.Batch, error) {
	now := s.nowFn()
	var committed store.Batch

	if tw := batch.Tree; tw != nil {
		next := tw.Tree.Clone()
		next.Version = tw.ExpectedVersion + 1
		next.UpdatedAt = now
		res, err := s.db.Collection(treesCollection).ReplaceOne(ctx,
			bson.M{"_id": next.ID, "version": tw.ExpectedVersion}, next)
		if err != nil {
			return store.Batch{}, fmt.Errorf("replace tree %s: %w", next.ID, err)
		}
		if res.MatchedCount == 0 {
			return store.Batch{}, s.treeConflict(ctx, next.ID, tw.ExpectedVersion)
		}
		committed.Tree = &store.TreeWrite{Tree: next, ExpectedVersion: tw.ExpectedVersion}
	}

	nodes := s.db.Collection(nodesCollection)
	for _, nw := range batch.Nodes {
		next := nw.Node.Clone()
		next.Version = nw.ExpectedVersion + 1
		next.UpdatedAt = now
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}

		if nw.ExpectedVersion == 0 {
			if _, err := nodes.InsertOne(ctx, next); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return store.Batch{}, s.nodeConflict(ctx, next.ID, 0)
				}
				return store.Batch{}, fmt.Errorf("insert node %s: %w", next.ID, err)
			}
		} else {
			res, err := nodes.ReplaceOne(ctx, bson.M{"_id": next.ID, "version": nw.ExpectedVersion}, next)
			if err != nil {
				return store.Batch{}, fmt.Errorf("replace node %s: %w", next.ID, err)
			}
			if res.MatchedCount == 0 {
				return store.Batch{}, s.nodeConflict(ctx, next.ID, nw.ExpectedVersion)
			}
		}
		committed.Nodes = append(committed.Nodes, store.NodeWrite{Node: next, ExpectedVersion: nw.ExpectedVersion})
	}
	return committed, nil
}

func (s *Store) treeConflict(ctx context.Context, id string, expected int64) error {
	current, err := s.LoadTree(ctx, id)
	if err != nil {
		return err
	}
	return &store.ConflictError{Kind: store.KindTree, ID: id, Expected: expected, Actual: current.Version, Tree: current}
}

func (s *Store) nodeConflict(ctx context.Context, id string, expected int64) error {
	current, err := s.LoadNode(ctx, id)
	if err != nil {
		return err
	}
	return &store.ConflictError{Kind: store.KindNode, ID: id, Expected: expected, Actual: current.Version, Node: current}
}

// CreateNotification inserts a notification record.
func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	if _, err := s.db.Collection(notificationsCollection).InsertOne(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, page store.Page) ([]model.Notification, error) {
	page = page.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))

	cursor, err := s.db.Collection(notificationsCollection).Find(ctx, bson.M{"recipient": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]model.Notification, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return out, nil
}

// CountUnread counts the recipient's unread notifications.
func (s *Store) CountUnread(ctx context.Context, userID string) (int64, error) {
	count, err := s.db.Collection(notificationsCollection).CountDocuments(ctx, bson.M{"recipient": userID, "read": false})
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkNotificationRead sets the read flag on one of the recipient's records.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	res, err := s.db.Collection(notificationsCollection).UpdateOne(ctx,
		bson.M{"_id": notificationID, "recipient": userID},
		bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteNotification removes one of the recipient's records.
func (s *Store) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	res, err := s.db.Collection(notificationsCollection).DeleteOne(ctx, bson.M{"_id": notificationID, "recipient": userID})
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Follow records follower -> followee; a repeated follow is not new.
func (s *Store) Follow(ctx context.Context, followerID, followeeID string) (bool, error) {
	if _, err := s.Resolve(ctx, followeeID); err != nil {
		return false, err
	}
	_, err := s.db.Collection(followsCollection).InsertOne(ctx, bson.M{
		"_id":        followerID + ":" + followeeID,
		"follower":   followerID,
		"followee":   followeeID,
		"created_at": s.nowFn(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert follow: %w", err)
	}
	return true, nil
}

// Resolve loads a user by id.
func (s *Store) Resolve(ctx context.Context, subject string) (model.Identity, error) {
	var identity model.Identity
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": subject}).Decode(&identity)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Identity{}, store.ErrNotFound
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("resolve user %s: %w", subject, err)
	}
	return identity, nil
}

// PutUser upserts a user record.
func (s *Store) PutUser(ctx context.Context, identity model.Identity) error {
	opts := options.Update().SetUpsert(true)
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": identity.ID},
		bson.M{"$set": bson.M{"name": identity.Name, "avatar": identity.Avatar}},
		opts)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", identity.ID, err)
	}
	return nil
}
