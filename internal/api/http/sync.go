package http

import (
	"context"
	"net/http"

	"github.com/spf13/cast"

	syncx "github.com/mind-engage/mindengage-cbt/internal/sync"
)

// EventFeed is the read side of the site event log.
type EventFeed interface {
	Since(ctx context.Context, seq int64, limit int) ([]syncx.Event, error)
}

// EventFeedHandler lets an upstream collector pull the event log: ?since=&limit=
func EventFeedHandler(feed EventFeed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		out, err := feed.Since(r.Context(), cast.ToInt64(q.Get("since")), cast.ToInt(q.Get("limit")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next := cast.ToInt64(q.Get("since"))
		if len(out) > 0 {
			next = out[len(out)-1].Seq
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "next": next})
	}
}
