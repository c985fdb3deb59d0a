package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/htung0403/crm-web-sub002/internal/config"
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/pipeline"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ConcurrentModificationError reports a stale-version write: the work item
// changed underneath the caller, who must refetch and retry.
type ConcurrentModificationError struct {
	WorkItemID string
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("work item %s was modified concurrently; refetch and retry", e.WorkItemID)
}

// --- shops ---

func (r Repo) InsertShop(ctx context.Context, tx *sql.Tx, s domain.Shop) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO shops(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Kind, s.Status, nullable(s.Description), s.CreatedAt)
	return err
}

func (r Repo) GetShop(ctx context.Context, id string) (domain.Shop, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM shops WHERE id=?`, id)
	var s domain.Shop
	err := row.Scan(&s.ID, &s.Kind, &s.Status, &s.Description, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// SingleShop returns the only shop in the workspace, erroring when the
// workspace holds zero or several.
func (r Repo) SingleShop(ctx context.Context) (domain.Shop, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM shops`)
	if err != nil {
		return domain.Shop{}, err
	}
	defer rows.Close()
	var shops []domain.Shop
	for rows.Next() {
		var s domain.Shop
		if err := rows.Scan(&s.ID, &s.Kind, &s.Status, &s.Description, &s.CreatedAt); err != nil {
			return domain.Shop{}, err
		}
		shops = append(shops, s)
	}
	if len(shops) == 0 {
		return domain.Shop{}, ErrNotFound
	}
	if len(shops) > 1 {
		return domain.Shop{}, fmt.Errorf("multiple shops exist; specify --shop")
	}
	return shops[0], nil
}

func (r Repo) UpsertShopConfig(ctx context.Context, shopID string, cfg *config.Config) error {
	return upsertShopConfig(ctx, r.DB, nil, shopID, cfg)
}

func (r Repo) UpsertShopConfigTx(ctx context.Context, tx *sql.Tx, shopID string, cfg *config.Config) error {
	return upsertShopConfig(ctx, nil, tx, shopID, cfg)
}

func upsertShopConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, shopID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Shop.ID = shopID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO shop_configs(shop_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(shop_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, shopID, string(payload), now, now)
	return err
}

func (r Repo) GetShopConfig(ctx context.Context, shopID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM shop_configs WHERE shop_id=?`, shopID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Shop.ID == "" {
		cfg.Shop.ID = shopID
	}
	return &cfg, cfg.Validate()
}

// --- work items ---

const workItemColumns = `id,shop_id,kind,title,pipeline,stage_id,attributes_json,archived,version,created_at,updated_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var it domain.WorkItem
	var attrs sql.NullString
	var archived int
	err := scan(&it.ID, &it.ShopID, &it.Kind, &it.Title, &it.Pipeline, &it.StageID, &attrs, &archived, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Archived = archived != 0
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &it.Attributes); err != nil {
			return it, fmt.Errorf("decode attributes for %s: %w", it.ID, err)
		}
	}
	return it, nil
}

func marshalAttributes(attrs map[string]any) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	attrs, err := marshalAttributes(it.Attributes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ShopID, it.Kind, it.Title, it.Pipeline, it.StageID, attrs, boolInt(it.Archived), it.Version, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

// UpdateWorkItem writes the item back, guarded by the version it was read at.
// Zero rows affected means a concurrent writer won; the version is bumped on
// success both in the database and on the returned copy.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, it *domain.WorkItem) error {
	attrs, err := marshalAttributes(it.Attributes)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET pipeline=?, stage_id=?, attributes_json=?, archived=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		it.Pipeline, it.StageID, attrs, boolInt(it.Archived), it.UpdatedAt, it.ID, it.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// distinguish a vanished row from a stale version
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, it.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ConcurrentModificationError{WorkItemID: it.ID}
	}
	it.Version++
	return nil
}

// WorkItemFilters narrow ListWorkItems.
type WorkItemFilters struct {
	ShopID          string
	Pipeline        string
	StageID         string
	Kind            string
	Pending         bool
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ShopID != "" {
		clauses = append(clauses, "shop_id=?")
		args = append(args, f.ShopID)
	}
	if f.Pipeline != "" {
		clauses = append(clauses, "pipeline=?")
		args = append(args, f.Pipeline)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Pending {
		pending := pipeline.PendingStages()
		kinds := make([]string, 0, len(pending))
		for k := range pending {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		var alts []string
		for _, k := range kinds {
			ids := pending[domain.PipelineKind(k)]
			alts = append(alts, "(pipeline=? AND stage_id IN (?"+strings.Repeat(",?", len(ids)-1)+"))")
			args = append(args, k)
			for _, id := range ids {
				args = append(args, id)
			}
		}
		clauses = append(clauses, "("+strings.Join(alts, " OR ")+")")
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// --- history reads ---

// HistoryFor returns the item's ledger newest-first.
func (r Repo) HistoryFor(ctx context.Context, workItemID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_item_id,ts,actor,action,category FROM history WHERE work_item_id=? ORDER BY id DESC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// LatestEntries tails the ledger across items, newest-first.
func (r Repo) LatestEntries(ctx context.Context, n int, category, workItemID string) ([]domain.HistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, category)
	}
	if workItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, workItemID)
	}
	if n <= 0 {
		n = 20
	}
	query := fmt.Sprintf(`SELECT id,work_item_id,ts,actor,action,category FROM history WHERE %s ORDER BY id DESC LIMIT %d`,
		strings.Join(clauses, " AND "), n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// EntriesAfter returns entries with id greater than cursor, oldest-first,
// for the notification dispatcher.
func (r Repo) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,work_item_id,ts,actor,action,category FROM history WHERE id > ? ORDER BY id ASC LIMIT %d`, limit)
	rows, err := r.DB.QueryContext(ctx, query, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// LatestEntryID returns the id of the newest ledger entry, 0 when empty.
func (r Repo) LatestEntryID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM history`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEntries(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.TS, &e.Actor, &e.Action, &e.Category); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByStage returns item counts per stage for one pipeline.
func (r Repo) CountByStage(ctx context.Context, shopID, pipeline string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_id, COUNT(*) FROM work_items WHERE shop_id=? AND pipeline=? AND archived=0 GROUP BY stage_id`, shopID, pipeline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
