package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, mongo store tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
	} else {
		host, err := testMongoContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipMongoTests = true
		} else {
			port, err := testMongoContainer.MappedPort(ctx, "27017")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipMongoTests = true
			} else {
				uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
				testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
				if err != nil {
					fmt.Printf("Failed to connect to mongodb: %v\n", err)
					skipMongoTests = true
				} else if err := testMongoClient.Ping(ctx, nil); err != nil {
					fmt.Printf("Failed to ping mongodb: %v\n", err)
					skipMongoTests = true
				}
			}
		}
	}

	code := m.Run()

	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func getMongoStore(t *testing.T) *Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("docker not available, skipping mongo store test")
	}
	collection := testMongoClient.Database("manifestregistry_test").Collection(t.Name())
	if err := collection.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop collection: %v", err)
	}
	return New(collection)
}

func TestStoreSaveGetRoundTrip(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	jobID := uuid.New()
	status := "running"
	startedAt := time.Now().UTC().Truncate(time.Millisecond)
	state := json.RawMessage(`{"step":1}`)
	now := time.Now().UTC().Truncate(time.Millisecond)

	record := &manifestregistry.Record{
		Name:             "build-and-test",
		Content:          "metadata:\n  name: build-and-test\n",
		ContentHash:      "sha256:abc123",
		Version:          "v0",
		LastRunJobID:     &jobID,
		LastRunStatus:    &status,
		LastRunStartedAt: &startedAt,
		StateJSON:        &state,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := st.SaveManifest(ctx, record); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	got, err := st.GetManifest(ctx, "build-and-test")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Name != record.Name || got.Content != record.Content || got.ContentHash != record.ContentHash {
		t.Fatalf("round-tripped record mismatch: got %+v, want %+v", got, record)
	}
	if got.LastRunJobID == nil || *got.LastRunJobID != jobID {
		t.Fatalf("LastRunJobID not preserved: got %v, want %v", got.LastRunJobID, jobID)
	}
	if got.LastRunStatus == nil || *got.LastRunStatus != status {
		t.Fatalf("LastRunStatus not preserved: got %v, want %v", got.LastRunStatus, status)
	}
	if got.StateJSON == nil || string(*got.StateJSON) != string(state) {
		t.Fatalf("StateJSON not preserved: got %v, want %v", got.StateJSON, state)
	}
}

func TestStoreSaveReplacesExisting(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	original := &manifestregistry.Record{
		Name: "lint", Content: "v1", ContentHash: "h1", Version: "v0",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.SaveManifest(ctx, original); err != nil {
		t.Fatalf("SaveManifest (1): %v", err)
	}

	updated := &manifestregistry.Record{
		Name: "lint", Content: "v2", ContentHash: "h2", Version: "v0",
		CreatedAt: now, UpdatedAt: now.Add(time.Minute),
	}
	if err := st.SaveManifest(ctx, updated); err != nil {
		t.Fatalf("SaveManifest (2): %v", err)
	}

	got, err := st.GetManifest(ctx, "lint")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Content != "v2" || got.ContentHash != "h2" {
		t.Fatalf("expected upsert to replace record, got %+v", got)
	}

	all, err := st.ListManifests(ctx)
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record after replace, got %d", len(all))
	}
}

func TestStoreGetNotFound(t *testing.T) {
	st := getMongoStore(t)
	if _, err := st.GetManifest(context.Background(), "missing"); err != manifestregistry.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreDeleteNotFound(t *testing.T) {
	st := getMongoStore(t)
	if err := st.DeleteManifest(context.Background(), "missing"); err != manifestregistry.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreListOrderedByName(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, name := range []string{"zeta", "alpha", "mu"} {
		record := &manifestregistry.Record{
			Name: name, Content: "x", ContentHash: "h", Version: "v0",
			CreatedAt: now, UpdatedAt: now,
		}
		if err := st.SaveManifest(ctx, record); err != nil {
			t.Fatalf("SaveManifest(%s): %v", name, err)
		}
	}

	records, err := st.ListManifests(ctx)
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{"alpha", "mu", "zeta"}
	for i, r := range records {
		if r.Name != want[i] {
			t.Fatalf("ListManifests order mismatch at %d: got %q, want %q", i, r.Name, want[i])
		}
	}
}

func TestStoreDeleteRemovesRecord(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	record := &manifestregistry.Record{
		Name: "deploy", Content: "x", ContentHash: "h", Version: "v0",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.SaveManifest(ctx, record); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	if err := st.DeleteManifest(ctx, "deploy"); err != nil {
		t.Fatalf("DeleteManifest: %v", err)
	}
	if _, err := st.GetManifest(ctx, "deploy"); err != manifestregistry.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
