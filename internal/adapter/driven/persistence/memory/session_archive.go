package memory

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/patrickmn/go-cache"
)

const defaultTombstoneTTL = time.Hour

// SessionArchive keeps summaries of ended sessions for a limited time. While a
// tombstone is alive its id cannot be joined again.
type SessionArchive struct {
	ended *cache.Cache
}

func NewSessionArchive(ttl time.Duration) *SessionArchive {
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}
	return &SessionArchive{
		ended: cache.New(ttl, ttl/2),
	}
}

func (a *SessionArchive) Archive(ctx context.Context, summary domain.SessionSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.ended.SetDefault(summary.ID.String(), summary)
	return nil
}

func (a *SessionArchive) Lookup(ctx context.Context, id domain.SessionID) (domain.SessionSummary, bool) {
	v, ok := a.ended.Get(id.String())
	if !ok {
		return domain.SessionSummary{}, false
	}
	summary, ok := v.(domain.SessionSummary)
	return summary, ok
}

func (a *SessionArchive) Len() int {
	return a.ended.ItemCount()
}
