package testutil

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// SetupTestMongo returns a uniquely named database on TEST_MONGO_URI, dropped when the
// test ends.
func SetupTestMongo(t TestingTB) *mongo.Database {
	t.Helper()
	uri := envOr("TEST_MONGO_URI", "")
	if uri == "" {
		unavailable(t, "mongo", "TEST_MONGO_URI is not set")
		return nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetTimeout(5 * time.Second))
	if err != nil {
		t.Fatal("mongo client:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		unavailable(t, "mongo", err)
		return nil
	}

	db := client.Database("mmkq_" + uniqueSuffix())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Drop(ctx); err != nil {
			t.Logf("drop mongo database %s: %v", db.Name(), err)
		}
		if err := client.Disconnect(ctx); err != nil {
			t.Logf("disconnect mongo: %v", err)
		}
	})
	return db
}
