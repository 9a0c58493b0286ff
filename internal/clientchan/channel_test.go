package clientchan

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/hooks"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/pubsub"
)

func newTestChannel(t *testing.T, c *Cache, broker *pubsub.Broker) *Channel {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChannel(c, broker, logger, func() Subject {
		return Subject{Now: time.Now()}
	}, "1.4.0", nil, "socket-ref-1")
}

// A RejectAccess broadcast on a membership's actor-group topic (spec.md §9,
// the per-group allow/reject fanout) must reach a joined client channel and
// trigger a recompute.
func TestChannel_GroupTopicRejectAccessTriggersRecompute(t *testing.T) {
	groupID := ids.New()
	resourceID := ids.New()
	siteID := ids.New()
	policyID := ids.New()
	membershipID := ids.New()

	c := New(ids.New(), ids.New(), ids.New())
	c.LoadHydration(
		[]domain.Policy{{ID: policyID, ActorGroupID: groupID, ResourceID: resourceID}},
		[]domain.Resource{{ID: resourceID, SiteID: siteID}},
		map[ids.ID]ids.ID{groupID: membershipID},
	)
	c.RecomputeConnectableResources(Subject{Now: time.Now()}, "1.4.0", nil)

	broker := pubsub.NewBroker()
	ch := newTestChannel(t, c, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	accountSub, clientSub := ch.Join(ctx, "init-payload")
	defer ch.Close(accountSub, clientSub)

	require.Equal(t, "init", (<-ch.Out()).Type)

	c.DeletePolicy(policyID)
	broker.Publish(pubsub.ActorGroupPoliciesTopic(groupID), hooks.RejectAccess{PolicyID: policyID, ActorGroupID: groupID})

	push := <-ch.Out()
	require.Equal(t, "resource_deleted", push.Type)
	require.Equal(t, resourceID, push.Payload.(ids.ID))
}

// Closing the channel tears down every per-group subscription it opened,
// not just the account/client ones.
func TestChannel_CloseUnsubscribesGroupTopics(t *testing.T) {
	groupID := ids.New()
	membershipID := ids.New()

	c := New(ids.New(), ids.New(), ids.New())
	c.LoadHydration(nil, nil, map[ids.ID]ids.ID{groupID: membershipID})

	broker := pubsub.NewBroker()
	ch := newTestChannel(t, c, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	accountSub, clientSub := ch.Join(ctx, "init-payload")
	<-ch.Out()

	require.Equal(t, 1, broker.SubscriberCount(pubsub.ActorGroupPoliciesTopic(groupID)))
	ch.Close(accountSub, clientSub)
	require.Equal(t, 0, broker.SubscriberCount(pubsub.ActorGroupPoliciesTopic(groupID)))
}
