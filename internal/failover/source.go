package failover

import (
	"context"

	"github.com/Synthetixio/snx-api/internal/source"
)

// Source fetches through a primary reader. Ledger specs fail over to a
// reader built by Backup; warehouse specs have no backup and run once.
type Source struct {
	Primary *source.Reader
	Backup  func() (*source.Reader, error)
}

func (s *Source) Fetch(ctx context.Context, spec source.Spec) (source.Value, error) {
	if spec.Ledger == nil {
		return s.Primary.Fetch(ctx, spec)
	}
	return Do(ctx, spec.Ledger.String(), s.Primary, s.Backup,
		func(ctx context.Context, r *source.Reader) (source.Value, error) {
			return r.Fetch(ctx, spec)
		})
}
