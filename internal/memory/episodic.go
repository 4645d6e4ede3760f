package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/conductd/internal/role"
)

// episodicStore keeps a bounded set of exemplar episodes per role. When
// a role's set is full, the lowest-quality episode makes way, so the
// curation pressure always favors successful, brief, recent work.
type episodicStore struct {
	mu      sync.Mutex
	perRole int
	byRole  map[role.Role][]Episode
	now     func() time.Time
}

func newEpisodicStore(perRole int) *episodicStore {
	if perRole < 1 {
		perRole = 1
	}
	return &episodicStore{
		perRole: perRole,
		byRole:  make(map[role.Role][]Episode),
		now:     time.Now,
	}
}

// add inserts an episode, evicting the current lowest-quality episode
// for the role if the set is full and the newcomer outranks it.
func (e *episodicStore) add(ep Episode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	episodes := e.byRole[ep.Role]
	if len(episodes) < e.perRole {
		e.byRole[ep.Role] = append(episodes, ep)
		return
	}

	worst := 0
	for i := 1; i < len(episodes); i++ {
		if episodes[i].Quality(now) < episodes[worst].Quality(now) {
			worst = i
		}
	}
	if ep.Quality(now) > episodes[worst].Quality(now) {
		episodes[worst] = ep
	}
}

// examples returns up to limit episodes for the role, best quality
// first. A non-empty taskType restricts results to matching episodes.
func (e *episodicStore) examples(r role.Role, taskType string, limit int) []Episode {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 {
		return nil
	}

	now := e.now()
	matched := make([]Episode, 0, len(e.byRole[r]))
	for _, ep := range e.byRole[r] {
		if taskType != "" && ep.TaskType != taskType {
			continue
		}
		matched = append(matched, ep)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Quality(now) > matched[j].Quality(now)
	})

	if limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]Episode, len(matched))
	copy(out, matched)
	return out
}

// len counts episodes across all roles.
func (e *episodicStore) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, eps := range e.byRole {
		total += len(eps)
	}
	return total
}
