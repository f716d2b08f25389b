package cellstore

// Schema contains the complete DDL for the cell store.
const Schema = `
-- Current grid state: one row per occupied coordinate.
CREATE TABLE IF NOT EXISTS cells (
    x          INTEGER NOT NULL,
    y          INTEGER NOT NULL,
    color      INTEGER NOT NULL,
    writer     TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    seq        INTEGER NOT NULL DEFAULT 0, -- placements.seq of the last write
    PRIMARY KEY (x, y)
) WITHOUT ROWID;

-- Append-only placement history. color = -1 records an erase.
CREATE TABLE IF NOT EXISTS placements (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    x         INTEGER NOT NULL,
    y         INTEGER NOT NULL,
    color     INTEGER NOT NULL,
    writer    TEXT NOT NULL,
    placed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_placements_writer ON placements(writer);

-- Per-identity counters, committed with each mutation.
CREATE TABLE IF NOT EXISTS writer_stats (
    writer         TEXT PRIMARY KEY,
    placements     INTEGER NOT NULL DEFAULT 0,
    erasures       INTEGER NOT NULL DEFAULT 0,
    last_placed_at INTEGER NOT NULL DEFAULT 0
);

-- Point-in-time copies taken before destructive operations.
CREATE TABLE IF NOT EXISTS snapshots (
    id         TEXT PRIMARY KEY,
    reason     TEXT NOT NULL,
    created_by TEXT NOT NULL,
    cell_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_cells (
    snapshot_id TEXT NOT NULL,
    x           INTEGER NOT NULL,
    y           INTEGER NOT NULL,
    color       INTEGER NOT NULL,
    writer      TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (snapshot_id, x, y),
    FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
) WITHOUT ROWID;
`
