package store

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rectangles (
    id      TEXT PRIMARY KEY,
    start_x DOUBLE PRECISION,
    start_y DOUBLE PRECISION,
    width   DOUBLE PRECISION,
    height  DOUBLE PRECISION,
    color   TEXT
);

CREATE TABLE IF NOT EXISTS ellipses (
    id       TEXT PRIMARY KEY,
    start_x  DOUBLE PRECISION,
    start_y  DOUBLE PRECISION,
    radius_x DOUBLE PRECISION,
    radius_y DOUBLE PRECISION,
    color    TEXT
);

CREATE TABLE IF NOT EXISTS lines (
    id      TEXT PRIMARY KEY,
    start_x DOUBLE PRECISION,
    start_y DOUBLE PRECISION,
    end_x   DOUBLE PRECISION,
    end_y   DOUBLE PRECISION,
    color   TEXT
);

CREATE TABLE IF NOT EXISTS arrows (
    id      TEXT PRIMARY KEY,
    start_x DOUBLE PRECISION,
    start_y DOUBLE PRECISION,
    end_x   DOUBLE PRECISION,
    end_y   DOUBLE PRECISION,
    color   TEXT
);

CREATE TABLE IF NOT EXISTS strokes (
    id     TEXT PRIMARY KEY,
    points TEXT,
    color  TEXT
);

CREATE TABLE IF NOT EXISTS texts (
    id        TEXT PRIMARY KEY,
    start_x   DOUBLE PRECISION,
    start_y   DOUBLE PRECISION,
    content   TEXT,
    font_size DOUBLE PRECISION,
    max_width DOUBLE PRECISION,
    color     TEXT
);

CREATE TABLE IF NOT EXISTS canvas_events (
    id         TEXT PRIMARY KEY,
    room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    shape_kind TEXT NOT NULL,
    shape_id   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS canvas_events_room_idx ON canvas_events (room_id);
CREATE INDEX IF NOT EXISTS canvas_events_shape_idx ON canvas_events (shape_id);
`

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}
