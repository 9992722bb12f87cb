package storage

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    name       TEXT     NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS mission_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   INTEGER  NOT NULL REFERENCES sessions (id),
    timestamp    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    op           TEXT     NOT NULL,
    directive_id INTEGER  NOT NULL,
    latitude     REAL     NOT NULL,
    longitude    REAL     NOT NULL
);

CREATE TABLE IF NOT EXISTS drive_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   INTEGER  NOT NULL REFERENCES sessions (id),
    timestamp    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    command      INTEGER  NOT NULL,
    repeat       INTEGER  NOT NULL,
    left_score   REAL     NOT NULL,
    right_score  REAL     NOT NULL,
    center_score REAL     NOT NULL
);`

// Indexes are created on Close so bulk inserts during a run stay cheap.
const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_mission_events_session ON mission_events (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_drive_log_session ON drive_log (session_id, timestamp);`

const (
	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      name,
                      config)
VALUES (CURRENT_TIMESTAMP, ?, ?)`

	selectSessionsSQL = `
SELECT
    id,
    start_time,
    name,
    config
FROM sessions
ORDER BY start_time`

	insertMissionEventSQL = `
INSERT INTO mission_events (session_id,
                            op,
                            directive_id,
                            latitude,
                            longitude)
VALUES (?, ?, ?, ?, ?)`

	selectMissionEventsSQL = `
SELECT
    id,
    session_id,
    timestamp,
    op,
    directive_id,
    latitude,
    longitude
FROM mission_events
WHERE
    session_id = ?
ORDER BY id`

	insertDriveSQL = `
INSERT INTO drive_log (session_id,
                       command,
                       repeat,
                       left_score,
                       right_score,
                       center_score)
VALUES (?, ?, ?, ?, ?, ?)`

	selectDriveSQL = `
SELECT
    id,
    session_id,
    timestamp,
    command,
    repeat,
    left_score,
    right_score,
    center_score
FROM drive_log
WHERE
    session_id = ?
ORDER BY id`
)
