package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/role"
)

func TestEpisodeQuality(t *testing.T) {
	t.Parallel()

	now := time.Now()
	base := Episode{Role: role.Coder, Summary: "s", CreatedAt: now, Tokens: 500}

	success := base
	success.Success = true
	failure := base
	failure.Success = false
	assert.Greater(t, success.Quality(now), failure.Quality(now), "success dominates")

	brief := success
	brief.Tokens = 100
	verbose := success
	verbose.Tokens = 5000
	assert.Greater(t, brief.Quality(now), verbose.Quality(now), "brevity breaks success ties")

	fresh := success
	stale := success
	stale.CreatedAt = now.Add(-30 * 24 * time.Hour)
	assert.Greater(t, fresh.Quality(now), stale.Quality(now), "recency decays")

	q := success.Quality(now)
	assert.GreaterOrEqual(t, q, 0.0)
	assert.LessOrEqual(t, q, 1.0)
}

func TestEpisodicRanking(t *testing.T) {
	t.Parallel()

	store := newEpisodicStore(10)
	now := time.Now()
	store.now = func() time.Time { return now }

	store.add(Episode{ID: "fail", Role: role.Coder, Summary: "s", Success: false, CreatedAt: now})
	store.add(Episode{ID: "old-win", Role: role.Coder, Summary: "s", Success: true, CreatedAt: now.Add(-20 * 24 * time.Hour)})
	store.add(Episode{ID: "fresh-win", Role: role.Coder, Summary: "s", Success: true, CreatedAt: now})

	got := store.examples(role.Coder, "", 10)
	require.Len(t, got, 3)
	assert.Equal(t, "fresh-win", got[0].ID)
	assert.Equal(t, "old-win", got[1].ID)
	assert.Equal(t, "fail", got[2].ID)

	top := store.examples(role.Coder, "", 1)
	require.Len(t, top, 1)
	assert.Equal(t, "fresh-win", top[0].ID)
}

func TestEpisodicEviction(t *testing.T) {
	t.Parallel()

	store := newEpisodicStore(2)
	now := time.Now()
	store.now = func() time.Time { return now }

	store.add(Episode{ID: "weak", Role: role.Coder, Summary: "s", Success: false, CreatedAt: now})
	store.add(Episode{ID: "strong", Role: role.Coder, Summary: "s", Success: true, CreatedAt: now})

	// A stronger newcomer displaces the weakest member.
	store.add(Episode{ID: "stronger", Role: role.Coder, Summary: "s", Success: true, Tokens: 10, CreatedAt: now})

	got := store.examples(role.Coder, "", 10)
	require.Len(t, got, 2, "per-role capacity holds")
	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, "strong")
	assert.Contains(t, ids, "stronger")
	assert.NotContains(t, ids, "weak")
}

func TestEpisodicWeakNewcomerDropped(t *testing.T) {
	t.Parallel()

	store := newEpisodicStore(1)
	now := time.Now()
	store.now = func() time.Time { return now }

	store.add(Episode{ID: "champion", Role: role.Tester, Summary: "s", Success: true, CreatedAt: now})
	store.add(Episode{ID: "challenger", Role: role.Tester, Summary: "s", Success: false, CreatedAt: now})

	got := store.examples(role.Tester, "", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "champion", got[0].ID)
}

func TestEpisodicRolesIsolated(t *testing.T) {
	t.Parallel()

	store := newEpisodicStore(5)
	now := time.Now()

	store.add(Episode{ID: "c1", Role: role.Coder, Summary: "s", Success: true, CreatedAt: now})
	store.add(Episode{ID: "t1", Role: role.Tester, Summary: "s", Success: true, CreatedAt: now})

	coder := store.examples(role.Coder, "", 10)
	require.Len(t, coder, 1)
	assert.Equal(t, "c1", coder[0].ID)
	assert.Empty(t, store.examples(role.Reviewer, "", 10))
}
