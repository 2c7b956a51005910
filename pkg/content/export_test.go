package content

import (
	"context"

	"github.com/platinummonkey/orgfeed/pkg/storage"
)

// SetBeforeUpdateHook installs a hook that runs inside the edit transaction
// right before the optimistic update
func SetBeforeUpdateHook(s *Service, fn func(ctx context.Context, q storage.Querier, id string)) {
	s.beforeUpdate = fn
}
