// Package dbtest starts a throwaway MongoDB for tests that need a real database.
package dbtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"screenrec/internal/config"
	"screenrec/internal/database"
)

const image = "mongo:7"

// Start runs a MongoDB container for the lifetime of t and returns a
// connected Service on a uniquely named database. The test is skipped
// under -short or when no container runtime is reachable.
func Start(t *testing.T) database.Service {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := mongodb.Run(ctx, image)
	if err != nil {
		t.Skipf("could not start MongoDB container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate MongoDB container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get MongoDB connection string: %v", err)
	}

	svc, err := database.New(ctx, config.DatabaseConfig{
		URI:  uri,
		Name: "test_screenrec_" + strings.ReplaceAll(uuid.NewString()[:8], "-", ""),
	})
	if err != nil {
		t.Fatalf("failed to connect to MongoDB container: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.GetDatabase().Drop(context.Background())
		_ = svc.Close()
	})

	return svc
}
