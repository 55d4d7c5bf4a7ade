// Package metrics periodically logs routing-core load so operators can watch
// a running relay without attaching a debugger or scraping the REST API.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"relay/internal/routing"
)

// Run logs core stats every interval until ctx is canceled. Quiet when the
// relay is idle: nothing is logged while no sessions are open and no traffic
// has moved since the previous tick.
func Run(ctx context.Context, core *routing.Core, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRouted uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := core.Stats()
			if st.SessionsOpen == 0 && st.PacketsRouted == lastRouted {
				continue
			}
			log.Info("metrics",
				"sessions", st.SessionsOpen,
				"drafts", st.DraftsOpen,
				"backlog", st.BacklogDepth,
				"routed", humanize.Comma(int64(st.PacketsRouted)),
				"backlogged", humanize.Comma(int64(st.PacketsBacklogged)),
				"bytes", humanize.Bytes(st.BytesRouted),
			)
			lastRouted = st.PacketsRouted
		}
	}
}
