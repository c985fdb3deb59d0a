// Package ledger writes the append-only history trail of work items.
// There is no update or delete path here; that is the design, not an omission.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/htung0403/crm-web-sub002/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts one history entry inside the caller's transaction so the
// entry commits atomically with the stage mutation it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, workItemID, actor, action string, category domain.Category) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO history(work_item_id,ts,actor,action,category) VALUES (?,?,?,?,?)`,
		workItemID, ts, actor, action, category)
	return err
}
