// Package store is the persistence adapter for canvas shapes: one table per
// shape kind plus a canvas_events row linking each shape to its room. Creates
// and deletes touch both rows inside a single transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"canvas-sync-server/internal/model"
)

var (
	ErrUnknownShapeKind = errors.New("unknown shape kind")
	ErrCreateAborted    = errors.New("shape create aborted")
)

// DB is the slice of pgxpool.Pool the store needs; tests substitute a fake.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// CreateGuard lets the caller veto a create around the insert. AbortInsert is
// consulted before any row is written; AllowCommit after the insert, where a
// false return rolls the transaction back so the rows never become visible.
// Both run inside the transaction, making the checks atomic with respect to
// concurrent delete signals.
type CreateGuard interface {
	AbortInsert() bool
	AllowCommit() bool
}

// CreateShape inserts the kind-specific row and its canvas_events linkage row
// and returns the durable id. Returns ErrCreateAborted when the guard vetoed
// the create at either check point.
func (s *Store) CreateShape(ctx context.Context, roomID string, shape model.ShapePayload, guard CreateGuard) (string, error) {
	table, ok := tableFor(shape.Type)
	if !ok {
		log.Printf("store: rejecting create with unknown shape kind %q", shape.Type)
		return "", ErrUnknownShapeKind
	}

	cols, vals, err := shapeAssignments(shape)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if guard != nil && guard.AbortInsert() {
		return "", ErrCreateAborted
	}

	id := ulid.Make().String()
	colNames := append([]string{"id"}, cols...)
	args := append([]any{id}, vals...)
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(colNames, ", "), placeholders(len(args)))
	if _, err := tx.Exec(ctx, insert, args...); err != nil {
		return "", err
	}

	eventID := ulid.Make().String()
	if _, err := tx.Exec(ctx,
		"INSERT INTO canvas_events (id, room_id, shape_kind, shape_id, created_at) VALUES ($1, $2, $3, $4, $5)",
		eventID, roomID, string(shape.Type), id, time.Now().UTC()); err != nil {
		return "", err
	}

	if guard != nil && !guard.AllowCommit() {
		// deleted while the insert was in flight; the rollback removes the
		// rows it would have left behind
		return "", ErrCreateAborted
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// DeleteShape removes the shape row and its linkage row. Returns false when
// no row existed for the id.
func (s *Store) DeleteShape(ctx context.Context, id string, kind model.ShapeKind) (bool, error) {
	table, ok := tableFor(kind)
	if !ok {
		log.Printf("store: rejecting delete with unknown shape kind %q", kind)
		return false, ErrUnknownShapeKind
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM canvas_events WHERE shape_id = $1", id); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateShape writes the present fields of a merged partial update. A payload
// with no recognized fields is a no-op.
func (s *Store) UpdateShape(ctx context.Context, kind model.ShapeKind, id string, fields model.ShapePayload) error {
	table, ok := tableFor(kind)
	if !ok {
		log.Printf("store: rejecting update with unknown shape kind %q", kind)
		return ErrUnknownShapeKind
	}

	fields.Type = kind
	cols, vals, err := shapeAssignments(fields)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	vals = append(vals, id)
	update := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		table, strings.Join(sets, ", "), len(vals))
	_, err = s.db.Exec(ctx, update, vals...)
	return err
}

func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)", roomID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RoomContent returns every persisted shape of the room in creation order
// (event ids are ulids, so lexicographic order is chronological).
func (s *Store) RoomContent(ctx context.Context, roomID string) ([]model.ShapeRecord, error) {
	var all []eventShape
	for _, kind := range []model.ShapeKind{
		model.KindRectangle, model.KindEllipse, model.KindLine,
		model.KindArrow, model.KindPen, model.KindText,
	} {
		shapes, err := s.roomShapes(ctx, roomID, kind)
		if err != nil {
			return nil, err
		}
		all = append(all, shapes...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].eventID < all[j].eventID })
	records := make([]model.ShapeRecord, len(all))
	for i, ev := range all {
		records[i] = ev.rec
	}
	return records, nil
}

type eventShape struct {
	eventID string
	rec     model.ShapeRecord
}

func (s *Store) roomShapes(ctx context.Context, roomID string, kind model.ShapeKind) ([]eventShape, error) {
	table, _ := tableFor(kind)
	cols := kindColumns(kind)
	prefixed := make([]string, len(cols))
	for i, c := range cols {
		prefixed[i] = "t." + c
	}
	query := fmt.Sprintf(
		"SELECT e.id, t.id, %s FROM canvas_events e JOIN %s t ON t.id = e.shape_id WHERE e.room_id = $1 AND e.shape_kind = $2",
		strings.Join(prefixed, ", "), table)

	rows, err := s.db.Query(ctx, query, roomID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventShape
	for rows.Next() {
		ev := eventShape{}
		ev.rec.Shape.Type = kind
		var pointsRaw *string

		dests := []any{&ev.eventID, &ev.rec.ID}
		sh := &ev.rec.Shape
		switch kind {
		case model.KindRectangle:
			dests = append(dests, &sh.StartX, &sh.StartY, &sh.Width, &sh.Height, &sh.Color)
		case model.KindEllipse:
			dests = append(dests, &sh.StartX, &sh.StartY, &sh.RadiusX, &sh.RadiusY, &sh.Color)
		case model.KindLine, model.KindArrow:
			dests = append(dests, &sh.StartX, &sh.StartY, &sh.EndX, &sh.EndY, &sh.Color)
		case model.KindPen:
			dests = append(dests, &pointsRaw, &sh.Color)
		case model.KindText:
			dests = append(dests, &sh.StartX, &sh.StartY, &sh.Text, &sh.FontSize, &sh.MaxWidth, &sh.Color)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		if pointsRaw != nil {
			if err := json.Unmarshal([]byte(*pointsRaw), &sh.Points); err != nil {
				log.Printf("store: corrupt points payload for %s %s: %v", kind, ev.rec.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func tableFor(kind model.ShapeKind) (string, bool) {
	switch kind {
	case model.KindRectangle:
		return "rectangles", true
	case model.KindEllipse:
		return "ellipses", true
	case model.KindLine:
		return "lines", true
	case model.KindArrow:
		return "arrows", true
	case model.KindPen:
		return "strokes", true
	case model.KindText:
		return "texts", true
	}
	return "", false
}

func kindColumns(kind model.ShapeKind) []string {
	switch kind {
	case model.KindRectangle:
		return []string{"start_x", "start_y", "width", "height", "color"}
	case model.KindEllipse:
		return []string{"start_x", "start_y", "radius_x", "radius_y", "color"}
	case model.KindLine, model.KindArrow:
		return []string{"start_x", "start_y", "end_x", "end_y", "color"}
	case model.KindPen:
		return []string{"points", "color"}
	case model.KindText:
		return []string{"start_x", "start_y", "content", "font_size", "max_width", "color"}
	}
	return nil
}

// shapeAssignments maps the present payload fields onto the columns of the
// kind's table. Fields that do not belong to the kind are ignored.
func shapeAssignments(shape model.ShapePayload) ([]string, []any, error) {
	var cols []string
	var vals []any
	add := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
	}
	addFloat := func(col string, v *float64) {
		if v != nil {
			add(col, *v)
		}
	}

	switch shape.Type {
	case model.KindRectangle:
		addFloat("start_x", shape.StartX)
		addFloat("start_y", shape.StartY)
		addFloat("width", shape.Width)
		addFloat("height", shape.Height)
	case model.KindEllipse:
		addFloat("start_x", shape.StartX)
		addFloat("start_y", shape.StartY)
		addFloat("radius_x", shape.RadiusX)
		addFloat("radius_y", shape.RadiusY)
	case model.KindLine, model.KindArrow:
		addFloat("start_x", shape.StartX)
		addFloat("start_y", shape.StartY)
		addFloat("end_x", shape.EndX)
		addFloat("end_y", shape.EndY)
	case model.KindPen:
		if shape.Points != nil {
			data, err := json.Marshal(shape.Points)
			if err != nil {
				return nil, nil, err
			}
			add("points", string(data))
		}
	case model.KindText:
		addFloat("start_x", shape.StartX)
		addFloat("start_y", shape.StartY)
		if shape.Text != nil {
			add("content", *shape.Text)
		}
		addFloat("font_size", shape.FontSize)
		addFloat("max_width", shape.MaxWidth)
	default:
		return nil, nil, ErrUnknownShapeKind
	}

	if shape.Color != nil {
		add("color", *shape.Color)
	}
	return cols, vals, nil
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}
