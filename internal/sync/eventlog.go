package syncx

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
)

// Event is one row of the append-only event_log.
type Event struct {
	Seq       int64  `db:"seq" json:"seq"`
	SiteID    string `db:"site_id" json:"site_id"`
	Type      string `db:"typ" json:"type"`
	Key       string `db:"key" json:"key"`
	DataJSON  string `db:"data" json:"data"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

type EventRepo struct {
	db     *sqlx.DB
	siteID string
}

func NewEventRepo(db *sqlx.DB, siteID string) *EventRepo {
	if siteID == "" {
		siteID = "local"
	}
	return &EventRepo{db: db, siteID: siteID}
}

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO event_log (site_id, typ, key, data, created_at) VALUES (?,?,?,?,?)`),
		e.SiteID, e.Type, e.Key, e.DataJSON, e.CreatedAt)
	return errors.Wrap(err, "append event")
}

// Since returns up to limit events after seq, oldest first.
func (r *EventRepo) Since(ctx context.Context, seq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []Event{}
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(
		`SELECT seq, site_id, typ, key, data, created_at FROM event_log WHERE seq > ? ORDER BY seq LIMIT ?`), seq, limit)
	return out, errors.Wrap(err, "read events")
}

// Handle logs domain events. Autosaves are too chatty to keep and are dropped.
func (r *EventRepo) Handle(ctx context.Context, e exam.Event) error {
	if e.Type == exam.EventAnswersSaved {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return r.Append(ctx, Event{
		SiteID:    r.siteID,
		Type:      string(e.Type),
		Key:       e.Key(),
		DataJSON:  string(data),
		CreatedAt: e.At.Unix(),
	})
}

var _ exam.EventSink = (*EventRepo)(nil)
