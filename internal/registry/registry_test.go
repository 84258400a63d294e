package registry_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxl55/ert-concierge/internal/registry"
)

func TestTryRegister_DuplicateName(t *testing.T) {
	reg := registry.New(8, nil)

	first, err := reg.TryRegister("alice", nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = reg.TryRegister("alice", nil)
	assert.ErrorIs(t, err, registry.ErrDuplicateName)
}

func TestTryRegister_ConcurrentDuplicatesOnlyOneWins(t *testing.T) {
	reg := registry.New(8, nil)

	const attempts = 32
	var wg sync.WaitGroup
	successes := make(chan *registry.Client, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if client, err := reg.TryRegister("shared-name", nil); err == nil {
				successes <- client
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one registration should win a duplicate name race")
}

func TestSubscribeUnsubscribe_Symmetry(t *testing.T) {
	reg := registry.New(8, nil)
	client, err := reg.TryRegister("bob", nil)
	require.NoError(t, err)
	require.NoError(t, reg.CreateGroup("general", client.UUID))

	require.NoError(t, reg.Subscribe(client.UUID, "general"))

	members, err := reg.SnapshotMembers("general")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, client.UUID, members[0].UUID)

	subs := reg.ClientSubscriptions(client.UUID)
	assert.Equal(t, []string{"general"}, subs)

	reg.Unsubscribe(client.UUID, "general")

	members, err = reg.SnapshotMembers("general")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Empty(t, reg.ClientSubscriptions(client.UUID))
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	reg := registry.New(8, nil)
	client, err := reg.TryRegister("carol", nil)
	require.NoError(t, err)

	// Neither a nonexistent group nor a group never joined should panic or
	// be observable as an error: UNSUBSCRIBE always succeeds (spec §4.1).
	assert.NotPanics(t, func() {
		reg.Unsubscribe(client.UUID, "never-existed")
	})

	require.NoError(t, reg.CreateGroup("g", client.UUID))
	assert.NotPanics(t, func() {
		reg.Unsubscribe(client.UUID, "g")
		reg.Unsubscribe(client.UUID, "g")
	})
}

func TestDeregister_ReapsOwnedGroupsAndReturnsMembers(t *testing.T) {
	reg := registry.New(8, nil)
	owner, err := reg.TryRegister("owner", nil)
	require.NoError(t, err)
	member, err := reg.TryRegister("member", nil)
	require.NoError(t, err)

	require.NoError(t, reg.CreateGroup("team", owner.UUID))
	require.NoError(t, reg.Subscribe(member.UUID, "team"))

	_, reaped, err := reg.Deregister(owner.UUID)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "team", reaped[0].Name)
	assert.ElementsMatch(t, []uuid.UUID{member.UUID}, reaped[0].Members)

	assert.Empty(t, reg.SnapshotGroups())

	_, err = reg.ResolveName("owner")
	assert.ErrorIs(t, err, registry.ErrNoSuchName)
}

func TestDeregister_ClosesMailbox(t *testing.T) {
	reg := registry.New(8, nil)
	client, err := reg.TryRegister("dana", nil)
	require.NoError(t, err)

	returned, _, err := reg.Deregister(client.UUID)
	require.NoError(t, err)

	_, ok := <-returned.Mailbox
	assert.False(t, ok, "mailbox should be closed after deregistration")
}

func TestEnqueue_DropsOnFullMailbox(t *testing.T) {
	reg := registry.New(1, nil)
	client, err := reg.TryRegister("erin", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Enqueue(client.UUID, []byte("first")))
	// Mailbox capacity is 1; the second frame must be dropped, not block.
	require.NoError(t, reg.Enqueue(client.UUID, []byte("second")))

	assert.Equal(t, []byte("first"), <-client.Mailbox)
}

func TestResolveUUID_UnknownClient(t *testing.T) {
	reg := registry.New(8, nil)
	_, err := reg.ResolveUUID(uuid.New())
	assert.ErrorIs(t, err, registry.ErrNoSuchUUID)
}
