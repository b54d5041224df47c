package resource

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/chat/chattest"
	"github.com/guildops/guildsync/internal/kvstore"
)

func newTestReconciler(t *testing.T) (*Reconciler, *chattest.Fake, *kvstore.Store) {
	t.Helper()
	store, err := kvstore.Open(nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := chattest.New()
	orphans := NewOrphanQueue(nil, store)
	return NewReconciler(nil, store, fake, orphans), fake, store
}

func forwardValue(t *testing.T, store *kvstore.Store, owner string, kind Kind) string {
	t.Helper()
	var id string
	err := store.View(func(tx *kvstore.Txn) error {
		val, err := tx.Get(ForwardKey(owner, kind))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		id = val
		return nil
	})
	require.NoError(t, err)
	return id
}

func TestEnsureCreatesAndCommits(t *testing.T) {
	r, fake, store := newTestReconciler(t)
	ctx := context.Background()

	id, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, ok := fake.Channels[id]
	require.True(t, ok, "channel must exist remotely")
	require.Equal(t, id, forwardValue(t, store, "owner-1", KindTextChannel))

	// A second call adopts the committed resource without creating another.
	again, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Len(t, fake.Channels, 1)
}

func TestEnsureRoleKindsAreIndependent(t *testing.T) {
	r, fake, _ := newTestReconciler(t)
	ctx := context.Background()

	player, err := r.Ensure(ctx, "owner-1", KindPlayerRole, Descriptor{Name: "Dragon Heist"})
	require.NoError(t, err)
	host, err := r.Ensure(ctx, "owner-1", KindHostRole, Descriptor{Name: "Dragon Heist Host"})
	require.NoError(t, err)
	require.NotEqual(t, player, host)
	require.Len(t, fake.Roles, 2)
}

// Two concurrent Ensure calls for the same (owner, kind) must converge on
// one id; the losing creation is deleted remotely, never silently leaked.
func TestEnsureConcurrent(t *testing.T) {
	r, fake, store := newTestReconciler(t)
	ctx := context.Background()

	ids := make([]string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	require.Equal(t, ids[0], ids[1], "both callers must converge on one id")
	require.Len(t, fake.Channels, 1, "exactly one committed resource remains")
	require.Equal(t, ids[0], forwardValue(t, store, "owner-1", KindTextChannel))
}

// When the compensating delete of a superfluous creation fails, the id is
// queued as an orphan instead of being lost.
func TestEnsureSurplusBecomesOrphan(t *testing.T) {
	r, fake, store := newTestReconciler(t)
	ctx := context.Background()

	// Seed a committed winner, then break deletion for the id the next
	// create will produce, and wipe the forward key so Ensure re-creates.
	winner, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)

	// Simulate a racing writer: the forward key already holds the winner
	// when our fresh creation tries to commit. Ensure skips the early
	// adopt by making the cached existence check miss.
	r.mu.Lock()
	delete(r.verified, winner)
	r.mu.Unlock()
	fake.RemoveRemote(winner)

	fake.DeleteErrs["ch-2"] = errors.New("platform down")
	_, err = r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)

	orphans, err := NewOrphanQueue(nil, store).List(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "ch-2", orphans[0].RemoteID)
	require.Equal(t, KindTextChannel, orphans[0].Kind)
}

// A committed id deleted out-of-band is repaired: the stale mapping is
// stripped and a fresh resource committed.
func TestEnsureRepairsStaleMapping(t *testing.T) {
	r, fake, store := newTestReconciler(t)
	ctx := context.Background()

	stale, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)

	fake.RemoveRemote(stale)
	r.mu.Lock()
	delete(r.verified, stale)
	r.mu.Unlock()

	fresh, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)
	require.NotEqual(t, stale, fresh)

	require.Equal(t, fresh, forwardValue(t, store, "owner-1", KindTextChannel))
	_, ok := fake.Channels[fresh]
	require.True(t, ok)

	// The stale reverse index and kind set entries are gone.
	err = store.View(func(tx *kvstore.Txn) error {
		if _, err := tx.Get(ReverseKey(stale)); !errors.Is(err, kvstore.ErrKeyNotFound) {
			t.Errorf("stale reverse key still present: %v", err)
		}
		has, err := tx.HasMember(KindSet(KindTextChannel), stale)
		if err != nil {
			return err
		}
		if has {
			t.Error("stale id still in kind set")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSyncMembership(t *testing.T) {
	r, fake, store := newTestReconciler(t)
	ctx := context.Background()

	roleID, err := r.Ensure(ctx, "owner-1", KindPlayerRole, Descriptor{Name: "Dragon Heist"})
	require.NoError(t, err)
	require.NoError(t, fake.AddRole(ctx, "user-a", roleID))

	// user-c was manually removed and must stay excluded.
	err = store.Update(func(tx *kvstore.Txn) error {
		return tx.AddMember("removed", "user-c")
	})
	require.NoError(t, err)

	err = r.SyncMembership(ctx, roleID, []string{"user-a", "user-b", "user-c"}, "removed")
	require.NoError(t, err)

	require.True(t, fake.HasRole("user-a", roleID))
	require.True(t, fake.HasRole("user-b", roleID))
	require.False(t, fake.HasRole("user-c", roleID), "excluded user must not be re-granted")
}

func TestSyncPermissionsAdditive(t *testing.T) {
	r, fake, _ := newTestReconciler(t)
	ctx := context.Background()

	channelID, err := r.Ensure(ctx, "owner-1", KindTextChannel, Descriptor{Name: "dragon-heist"})
	require.NoError(t, err)

	preexisting := chat.PermissionOverwrite{TargetID: "mods", TargetType: chat.OverwriteRole, Allow: chat.PermViewChannel}
	require.NoError(t, fake.ApplyPermissionOverwrite(ctx, channelID, preexisting))

	rules := []chat.PermissionOverwrite{
		{TargetID: "everyone", TargetType: chat.OverwriteRole, Deny: chat.PermViewChannel},
	}
	require.NoError(t, r.SyncPermissions(ctx, channelID, rules))

	require.Len(t, fake.Overwrites[channelID], 2, "existing overwrites stay untouched")
}
