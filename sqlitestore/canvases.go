package sqlitestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Canvases persists documents. It satisfies document.Persister.
type Canvases struct {
	db *DB
}

func (db *DB) Canvases() *Canvases { return &Canvases{db: db} }

func (c *Canvases) Load(ctx context.Context, canvasID string) (*document.Snapshot, error) {
	conn, err := c.db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.db.pool.Put(conn)

	var snap *document.Snapshot
	var content string
	err = sqlitex.Execute(conn,
		`SELECT owner_id, title, version, content, updated_at FROM canvases WHERE canvas_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{canvasID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snap = &document.Snapshot{
					CanvasID:  canvasID,
					OwnerID:   stmt.ColumnText(0),
					Title:     stmt.ColumnText(1),
					Version:   stmt.ColumnInt64(2),
					UpdatedAt: time.UnixMilli(stmt.ColumnInt64(4)).UTC(),
				}
				content = stmt.ColumnText(3)
				return nil
			},
		})
	if err != nil {
		return nil, errors.Wrapf(err, "loading canvas %s", canvasID)
	}
	if snap == nil {
		return nil, errors.E(errors.NotFound, "Canvas not found")
	}
	snap.Doc, err = document.Parse([]byte(content))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding canvas %s", canvasID)
	}
	return snap, nil
}

func (c *Canvases) Save(ctx context.Context, snap *document.Snapshot) error {
	content, err := json.Marshal(snap.Doc)
	if err != nil {
		return errors.Wrapf(err, "encoding canvas %s", snap.CanvasID)
	}
	conn, err := c.db.take(ctx)
	if err != nil {
		return err
	}
	defer c.db.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO canvases (canvas_id, owner_id, title, version, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (canvas_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			version = excluded.version,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{snap.CanvasID, snap.OwnerID, snap.Title, snap.Version, string(content), snap.UpdatedAt.UnixMilli()},
		})
	return errors.Wrapf(err, "saving canvas %s", snap.CanvasID)
}

// ListOwned returns the ids of the canvases owned by subject.
func (c *Canvases) ListOwned(ctx context.Context, subject string) ([]string, error) {
	conn, err := c.db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.db.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, `SELECT canvas_id FROM canvases WHERE owner_id = ? ORDER BY canvas_id`,
		&sqlitex.ExecOptions{
			Args: []any{subject},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	return ids, errors.Wrapf(err, "listing canvases for %s", subject)
}
