package trigger

import (
	"time"

	"github.com/mohitkumar/fleetrules/model"
	c "github.com/patrickmn/go-cache"
)

// CandidateCache keeps, per event type, the workflows that own a trigger for
// it. Entries are replaced wholesale on definition writes.
type CandidateCache struct {
	cache *c.Cache
}

func NewCandidateCache(ttl time.Duration) *CandidateCache {
	if ttl <= 0 {
		ttl = c.NoExpiration
	}
	return &CandidateCache{
		cache: c.New(ttl, 10*time.Minute),
	}
}

func (ch *CandidateCache) Save(eventType model.EventType, workflows []*model.Workflow) {
	ch.cache.SetDefault(string(eventType), workflows)
}

func (ch *CandidateCache) Get(eventType model.EventType) ([]*model.Workflow, bool) {
	v, found := ch.cache.Get(string(eventType))
	if !found {
		return nil, false
	}
	workflows, ok := v.([]*model.Workflow)
	return workflows, ok
}

func (ch *CandidateCache) Flush() {
	ch.cache.Flush()
}
