//go:build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRabbitMQContainer starts a RabbitMQ container for testing
func setupRabbitMQContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management-alpine",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start RabbitMQ container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	time.Sleep(2 * time.Second)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

func TestRabbitQueue_Integration_EnqueueReceiveDelete(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	q, err := NewRabbitQueue(RabbitConfig{URL: url, QueueName: "test_solve_queue"})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	env := Envelope{RunID: "run-1", CasePointer: "jobs/run-1/input.json", EnqueuedAt: time.Now()}
	require.NoError(t, q.Enqueue(ctx, env))

	handle, received, err := q.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, env.RunID, received.RunID)

	require.NoError(t, q.Delete(ctx, handle))
}

func TestRabbitQueue_Integration_ReceiveTimesOutWhenEmpty(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	q, err := NewRabbitQueue(RabbitConfig{URL: url, QueueName: "test_empty_queue"})
	require.NoError(t, err)
	defer q.Close()

	handle, received, err := q.Receive(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, received)
	assert.Empty(t, handle)
}

func TestRabbitQueue_Integration_Depth(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	q, err := NewRabbitQueue(RabbitConfig{URL: url, QueueName: "test_depth_queue"})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Envelope{RunID: fmt.Sprintf("run-%d", i)}))
	}

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}
