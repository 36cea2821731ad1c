package memory

import (
	"fmt"
	"sync"
	"testing"

	"telesignal/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPeer struct {
	id domain.ConnectionID
}

func (p *stubPeer) ID() domain.ConnectionID  { return p.id }
func (p *stubPeer) Send(message []byte) error { return nil }
func (p *stubPeer) Close() error              { return nil }

func ids(r *ConnectionRegistry) []domain.ConnectionID {
	var out []domain.ConnectionID
	for _, p := range r.Snapshot() {
		out = append(out, p.ID())
	}
	return out
}

func TestConnectionRegistry_AddKeepsAcceptOrder(t *testing.T) {
	r := NewConnectionRegistry()

	require.NoError(t, r.Add(&stubPeer{id: "a"}))
	require.NoError(t, r.Add(&stubPeer{id: "b"}))
	require.NoError(t, r.Add(&stubPeer{id: "c"}))

	assert.Equal(t, []domain.ConnectionID{"a", "b", "c"}, ids(r))
	assert.Equal(t, 3, r.Count())
}

func TestConnectionRegistry_RejectsDuplicateIdentity(t *testing.T) {
	r := NewConnectionRegistry()
	require.NoError(t, r.Add(&stubPeer{id: "a"}))

	err := r.Add(&stubPeer{id: "a"})
	assert.ErrorIs(t, err, domain.ErrDuplicateConnection)
	assert.Equal(t, 1, r.Count())
}

func TestConnectionRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewConnectionRegistry()
	require.NoError(t, r.Add(&stubPeer{id: "a"}))
	require.NoError(t, r.Add(&stubPeer{id: "b"}))

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.False(t, r.Remove("missing"))
	assert.Equal(t, []domain.ConnectionID{"b"}, ids(r))
}

func TestConnectionRegistry_SnapshotIsIsolatedFromMutation(t *testing.T) {
	r := NewConnectionRegistry()
	require.NoError(t, r.Add(&stubPeer{id: "a"}))
	require.NoError(t, r.Add(&stubPeer{id: "b"}))

	snap := r.Snapshot()
	r.Remove("a")
	require.NoError(t, r.Add(&stubPeer{id: "c"}))

	require.Len(t, snap, 2)
	assert.Equal(t, domain.ConnectionID("a"), snap[0].ID())
	assert.Equal(t, domain.ConnectionID("b"), snap[1].ID())
	assert.Equal(t, []domain.ConnectionID{"b", "c"}, ids(r))
}

func TestConnectionRegistry_ConcurrentChurnKeepsIdentitiesUnique(t *testing.T) {
	r := NewConnectionRegistry()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := domain.ConnectionID(fmt.Sprintf("peer-%d", i%20))
				if i%3 == 0 {
					r.Remove(id)
					continue
				}
				_ = r.Add(&stubPeer{id: id})
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[domain.ConnectionID]bool)
	for _, p := range r.Snapshot() {
		assert.False(t, seen[p.ID()], "duplicate identity %s", p.ID())
		seen[p.ID()] = true
	}
	assert.Equal(t, len(seen), r.Count())
}
