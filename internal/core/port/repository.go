package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// SessionArchive remembers ended sessions so their ids are not reused.
type SessionArchive interface {
	Archive(ctx context.Context, summary domain.SessionSummary) error
	Lookup(ctx context.Context, id domain.SessionID) (domain.SessionSummary, bool)
}
