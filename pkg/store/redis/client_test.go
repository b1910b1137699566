package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/sagaflow/pkg/config"
)

func TestNewClient(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewClient(&config.RedisConfig{Addresses: []string{server.Addr()}, PoolSize: 2})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, ModeSingle, client.Mode())
	require.NoError(t, client.Client().Set(context.Background(), "k", "v", 0).Err())
	got, err := server.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(&config.RedisConfig{})
	assert.Error(t, err)
}

func TestPingReportsOutage(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewClient(&config.RedisConfig{
		Addresses:   []string{server.Addr()},
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()))

	server.Close()
	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis single ping")
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := NewClient(&config.RedisConfig{Addresses: []string{addr}, DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
