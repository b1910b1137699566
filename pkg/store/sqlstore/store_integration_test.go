//go:build integration

package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore"
)

const (
	postgresImage          = "postgres:16-alpine"
	postgresStartupTimeout = 2 * time.Minute
)

func startPostgres(t *testing.T, ctx context.Context) *sqlstore.Store {
	t.Helper()

	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     "saga",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "sagaflow",
		},
		WaitingFor: wait.ForSQL(port, "postgres", func(host string, port nat.Port) string {
			return fmt.Sprintf("host=%s port=%s user=saga password=secret dbname=sagaflow sslmode=disable", host, port.Port())
		}).WithStartupTimeout(postgresStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	portNumber, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	s, err := sqlstore.NewStore(&config.DatabaseConfig{
		Driver:       "postgres",
		Host:         host,
		Port:         portNumber,
		User:         "saga",
		Password:     "secret",
		Database:     "sagaflow",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestPostgresConcurrentUpdatesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	s := startPostgres(t, ctx)
	repo := s.Executions()

	exec := newExecution(model.ExecutionFailed)
	require.NoError(t, repo.Create(ctx, exec))

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := repo.Get(ctx, exec.ID)
			if err != nil {
				results <- err
				return
			}
			row.Version = exec.Version
			row.Status = model.ExecutionRunning
			row.Attempts++
			results <- repo.Update(ctx, row)
		}()
	}
	wg.Wait()
	close(results)

	var won, conflicts int
	for err := range results {
		switch {
		case err == nil:
			won++
		case isConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, racers-1, conflicts)

	loaded, err := repo.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Attempts)
	require.Equal(t, int64(2), loaded.Version)
}

func TestPostgresOutboxNotifyIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	s := startPostgres(t, ctx)

	err := s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.Outbox().Insert(ctx, &model.OutboxEvent{
			AggregateType: "order",
			AggregateID:   "1",
			EventType:     "order.created",
			Payload:       model.JSON(`{"id":"1"}`),
		}); err != nil {
			return err
		}
		return s.Outbox().Notify(ctx, "outbox_events", "order.created")
	})
	require.NoError(t, err)

	pending, err := s.Outbox().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.JSONEq(t, `{"id":"1"}`, string(pending[0].Payload))
}

func isConflict(err error) bool {
	return err != nil && errors.Is(err, store.ErrVersionConflict)
}
