package gtfseditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// DB is the relational store behind every project. Each operation takes a connection from
// the pool; functions taking a *sqlite.Conn run on the caller's connection and join any
// transaction open on it.
type DB struct {
	pool *sqlitex.Pool
}

var connPragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 10000",
}

// Open opens (creating if needed) the database at path and ensures the schema exists.
func Open(path string, poolSize int) (*DB, error) {
	if path == "" {
		panic("Missing path")
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.Open(path, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &DB{pool: pool}

	conn, err := db.Get(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	defer db.Put(conn)
	if err := sqlitex.ExecScript(conn, schemaScript); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	slog.Info(fmt.Sprintf("Opened %s with %d connections", path, poolSize))
	return db, nil
}

// Close closes every pooled connection.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Get takes a connection from the pool. It must be returned with Put.
func (db *DB) Get(ctx context.Context) (*sqlite.Conn, error) {
	conn := db.pool.Get(ctx)
	if conn == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("database pool closed")
	}
	for _, pragma := range connPragmas {
		if err := sqlitex.ExecTransient(conn, pragma, sqlitexNoop); err != nil {
			db.pool.Put(conn)
			return nil, err
		}
	}
	return conn, nil
}

// Put returns a connection taken with Get.
func (db *DB) Put(conn *sqlite.Conn) {
	db.pool.Put(conn)
}

// With runs fn on a pooled connection.
func (db *DB) With(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := db.Get(ctx)
	if err != nil {
		return err
	}
	defer db.Put(conn)
	return fn(conn)
}

func sqlitexNoop(*sqlite.Stmt) error { return nil }

// isConstraintErr reports whether err came from any violated constraint.
func isConstraintErr(err error) bool {
	var sqliteErr sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code&0xff == sqlite.SQLITE_CONSTRAINT
}

// asConflict marks constraint violations as ErrConflict, keeping the database message.
func asConflict(err error) error {
	if err != nil && isConstraintErr(err) && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

// Every entity table carries project_id so scoping never needs a join. Foreign ID columns hold
// the referenced row's id; the natural key only exists in the referenced table.
const schemaScript = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	creation_status TEXT NOT NULL DEFAULT 'empty',
	build_status TEXT NOT NULL DEFAULT 'none',
	build_job_id TEXT,
	last_modified TEXT NOT NULL,
	gtfs_zip BLOB,
	gtfs_zip_built_at TEXT,
	validation_message TEXT,
	validation_errors INTEGER,
	validation_warnings INTEGER,
	validation_infos INTEGER,
	validation_duration_ms INTEGER,
	envelope TEXT NOT NULL,
	UNIQUE (owner, name)
);

CREATE TABLE IF NOT EXISTS agency (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	agency_id TEXT NOT NULL,
	agency_name TEXT NOT NULL,
	agency_url TEXT NOT NULL,
	agency_timezone TEXT NOT NULL,
	agency_lang TEXT,
	agency_phone TEXT,
	agency_fare_url TEXT,
	agency_email TEXT,
	UNIQUE (project_id, agency_id)
);

CREATE TABLE IF NOT EXISTS levels (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	level_id TEXT NOT NULL,
	level_index REAL NOT NULL,
	level_name TEXT,
	UNIQUE (project_id, level_id)
);

CREATE TABLE IF NOT EXISTS stops (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	stop_id TEXT NOT NULL,
	stop_code TEXT,
	stop_name TEXT,
	stop_desc TEXT,
	stop_lat REAL NOT NULL,
	stop_lon REAL NOT NULL,
	zone_id TEXT,
	stop_url TEXT,
	location_type INTEGER,
	parent_station INTEGER REFERENCES stops(id) ON DELETE SET NULL,
	stop_timezone TEXT,
	wheelchair_boarding INTEGER,
	level_id INTEGER REFERENCES levels(id) ON DELETE SET NULL,
	platform_code TEXT,
	UNIQUE (project_id, stop_id)
);

CREATE TABLE IF NOT EXISTS routes (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	route_id TEXT NOT NULL,
	agency_id INTEGER NOT NULL REFERENCES agency(id) ON DELETE CASCADE,
	route_short_name TEXT,
	route_long_name TEXT,
	route_desc TEXT,
	route_type INTEGER NOT NULL,
	route_url TEXT,
	route_color TEXT,
	route_text_color TEXT,
	route_sort_order INTEGER,
	UNIQUE (project_id, route_id)
);

CREATE TABLE IF NOT EXISTS shape_headers (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	shape_id TEXT NOT NULL,
	UNIQUE (project_id, shape_id)
);

CREATE TABLE IF NOT EXISTS shapes (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	shape_id INTEGER NOT NULL REFERENCES shape_headers(id) ON DELETE CASCADE,
	shape_pt_lat REAL NOT NULL,
	shape_pt_lon REAL NOT NULL,
	shape_pt_sequence INTEGER NOT NULL,
	shape_dist_traveled REAL,
	UNIQUE (shape_id, shape_pt_sequence)
);

CREATE TABLE IF NOT EXISTS calendar (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	monday INTEGER NOT NULL,
	tuesday INTEGER NOT NULL,
	wednesday INTEGER NOT NULL,
	thursday INTEGER NOT NULL,
	friday INTEGER NOT NULL,
	saturday INTEGER NOT NULL,
	sunday INTEGER NOT NULL,
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL,
	UNIQUE (project_id, service_id)
);

CREATE TABLE IF NOT EXISTS calendar_dates (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	date TEXT NOT NULL,
	exception_type INTEGER NOT NULL,
	UNIQUE (project_id, service_id, date)
);

CREATE TABLE IF NOT EXISTS trips (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	route_id INTEGER NOT NULL REFERENCES routes(id),
	service_id TEXT NOT NULL,
	trip_id TEXT NOT NULL,
	trip_headsign TEXT,
	trip_short_name TEXT,
	direction_id INTEGER,
	block_id TEXT,
	shape_id INTEGER REFERENCES shape_headers(id) ON DELETE SET NULL,
	wheelchair_accessible INTEGER,
	bikes_allowed INTEGER,
	UNIQUE (project_id, trip_id)
);

CREATE TABLE IF NOT EXISTS stop_times (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	trip_id INTEGER NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
	arrival_time INTEGER,
	departure_time INTEGER,
	stop_id INTEGER NOT NULL REFERENCES stops(id) ON DELETE CASCADE,
	stop_sequence INTEGER NOT NULL,
	stop_headsign TEXT,
	pickup_type INTEGER,
	drop_off_type INTEGER,
	continuous_pickup INTEGER,
	continuous_drop_off INTEGER,
	shape_dist_traveled REAL,
	timepoint INTEGER,
	UNIQUE (trip_id, stop_id, stop_sequence)
);

CREATE TABLE IF NOT EXISTS frequencies (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	trip_id INTEGER NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	headway_secs INTEGER NOT NULL,
	exact_times INTEGER,
	UNIQUE (trip_id, start_time)
);

CREATE TABLE IF NOT EXISTS fare_attributes (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	fare_id TEXT NOT NULL,
	price REAL NOT NULL,
	currency_type TEXT NOT NULL,
	payment_method INTEGER NOT NULL,
	transfers INTEGER,
	agency_id INTEGER REFERENCES agency(id) ON DELETE SET NULL,
	transfer_duration INTEGER,
	UNIQUE (project_id, fare_id)
);

CREATE TABLE IF NOT EXISTS fare_rules (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	fare_id INTEGER NOT NULL REFERENCES fare_attributes(id) ON DELETE CASCADE,
	route_id INTEGER REFERENCES routes(id) ON DELETE SET NULL,
	origin_id TEXT,
	destination_id TEXT,
	contains_id TEXT
);

CREATE TABLE IF NOT EXISTS transfers (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	from_stop_id INTEGER NOT NULL REFERENCES stops(id) ON DELETE CASCADE,
	to_stop_id INTEGER NOT NULL REFERENCES stops(id) ON DELETE CASCADE,
	transfer_type INTEGER NOT NULL,
	min_transfer_time INTEGER,
	UNIQUE (from_stop_id, to_stop_id)
);

CREATE TABLE IF NOT EXISTS pathways (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	pathway_id TEXT NOT NULL,
	from_stop_id INTEGER NOT NULL REFERENCES stops(id),
	to_stop_id INTEGER NOT NULL REFERENCES stops(id),
	pathway_mode INTEGER NOT NULL,
	is_bidirectional INTEGER NOT NULL,
	length REAL,
	traversal_time INTEGER,
	stair_count INTEGER,
	signposted_as TEXT,
	UNIQUE (project_id, pathway_id)
);

CREATE TABLE IF NOT EXISTS feed_info (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	feed_publisher_name TEXT NOT NULL,
	feed_publisher_url TEXT NOT NULL,
	feed_lang TEXT NOT NULL,
	feed_start_date TEXT,
	feed_end_date TEXT,
	feed_version TEXT,
	feed_id TEXT,
	feed_contact_email TEXT,
	feed_contact_url TEXT,
	UNIQUE (project_id)
);

CREATE INDEX IF NOT EXISTS routes_project ON routes(project_id);
CREATE INDEX IF NOT EXISTS shapes_project ON shapes(project_id);
CREATE INDEX IF NOT EXISTS trips_project ON trips(project_id);
CREATE INDEX IF NOT EXISTS stop_times_project ON stop_times(project_id);
CREATE INDEX IF NOT EXISTS stop_times_stop ON stop_times(stop_id);
CREATE INDEX IF NOT EXISTS frequencies_project ON frequencies(project_id);
CREATE INDEX IF NOT EXISTS fare_rules_project ON fare_rules(project_id);
CREATE INDEX IF NOT EXISTS fare_rules_route ON fare_rules(route_id);
CREATE INDEX IF NOT EXISTS transfers_project ON transfers(project_id);
CREATE INDEX IF NOT EXISTS transfers_to ON transfers(to_stop_id);
CREATE INDEX IF NOT EXISTS pathways_from ON pathways(from_stop_id);
CREATE INDEX IF NOT EXISTS pathways_to ON pathways(to_stop_id);
CREATE INDEX IF NOT EXISTS stops_parent ON stops(parent_station);
CREATE INDEX IF NOT EXISTS stops_level ON stops(level_id);
CREATE INDEX IF NOT EXISTS trips_route ON trips(route_id);
CREATE INDEX IF NOT EXISTS trips_shape ON trips(shape_id);
`
