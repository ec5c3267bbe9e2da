package redis

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/persistence/storagetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func startRedis(t *testing.T) string {
	if testing.Short() {
		t.Skip("redis integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func testConfig(addr string) Config {
	return Config{
		Addrs:     []string{addr},
		Namespace: "test-" + uuid.NewString(),
	}
}

func TestRedisStorage(t *testing.T) {
	addr := startRedis(t)

	t.Run("executions", func(t *testing.T) {
		storagetest.RunExecutionStorageTests(t, func(t *testing.T) persistence.ExecutionStorage {
			s := NewRedisExecutionStorage(testConfig(addr))
			require.NoError(t, s.Ping(context.Background()))
			t.Cleanup(func() { s.Close() })
			return s
		})
	})

	t.Run("workflows", func(t *testing.T) {
		storagetest.RunWorkflowStorageTests(t, func(t *testing.T) metadata.WorkflowStorage {
			s := NewRedisWorkflowStorage(testConfig(addr))
			t.Cleanup(func() { s.Close() })
			return s
		})
	})
}

func TestNamespaceKey(t *testing.T) {
	dao := &baseDao{namespace: "{fleet}"}
	require.Equal(t, "{fleet}:EXECUTION:e1", dao.getNamespaceKey(EXECUTION_KEY, "e1"))
	require.Equal(t, "{fleet}:EXECUTIONS:WORKFLOW:7", (&redisExecutionStorage{baseDao: dao}).workflowIndex(7))
}
