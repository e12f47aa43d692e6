package gmail

import "context"

// Source is the narrow mail surface required by codesnap. Implementations
// return the newest messages first and leave duplicate handling to callers.
type Source interface {
	Fetch(ctx context.Context, token string) ([]InboxMessage, error)
	Get(ctx context.Context, token string, id MessageID) (InboxMessage, error)
}
