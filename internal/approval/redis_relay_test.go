package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/storage/redis/redistest"
)

func TestRedisRelayDeliversToOtherReplica(t *testing.T) {
	client := redistest.Client(t)
	channel := "orchestrator:test:" + uuid.NewString()

	sender := NewRedisRelay(client, channel, "replica-a")
	receiver := NewRedisRelay(client, channel, "replica-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Resolution, 1)
	go func() { _ = receiver.Subscribe(ctx, func(r Resolution) { got <- r }) }()

	require.Eventually(t, func() bool {
		_ = sender.Publish(ctx, Resolution{RequestID: "r1", Status: StatusApproved, Actor: "ops"})
		select {
		case res := <-got:
			assert.Equal(t, "r1", res.RequestID)
			assert.Equal(t, "replica-a", res.Origin)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
