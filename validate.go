package gtfseditor

import (
	"fmt"
	"log/slog"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// NOTE: Foreign IDs stored as references are enforced by the database. The checks here cover
// values GTFS links by text only.

type textRefSchema struct {
	Table  string
	Column string
	// Label is an SQL expression naming the offending row in messages.
	Label string
	AnyOf []refTarget
}

var textRefChecks = []textRefSchema{
	{
		Table: "trips", Column: "service_id", Label: "trip_id",
		AnyOf: []refTarget{{Table: "calendar", Column: "service_id"}, {Table: "calendar_dates", Column: "service_id"}},
	},
	{
		Table: "fare_rules", Column: "origin_id", Label: fareRuleLabel,
		AnyOf: []refTarget{{Table: "stops", Column: "zone_id"}},
	},
	{
		Table: "fare_rules", Column: "destination_id", Label: fareRuleLabel,
		AnyOf: []refTarget{{Table: "stops", Column: "zone_id"}},
	},
	{
		Table: "fare_rules", Column: "contains_id", Label: fareRuleLabel,
		AnyOf: []refTarget{{Table: "stops", Column: "zone_id"}},
	},
}

const fareRuleLabel = "(SELECT f.fare_id FROM fare_attributes f WHERE f.id = fare_rules.fare_id)"

// Lint finds problems in a project that storage constraints cannot rule out. Issues are
// warnings: they never block a build.
func Lint(conn *sqlite.Conn, projectID int64) ([]string, error) {
	l := &linter{conn: conn, projectID: projectID}

	for _, check := range textRefChecks {
		if err := l.checkTextRef(check); err != nil {
			return nil, err
		}
	}

	outside, err := StopsOutsideEnvelope(conn, projectID)
	if err != nil {
		return nil, err
	}
	for _, stopID := range outside {
		l.append("stop %s in stops.txt is outside the project envelope", stopID)
	}

	return l.issues, nil
}

type linter struct {
	conn      *sqlite.Conn
	projectID int64
	issues    []string
}

func (l *linter) append(msg string, args ...any) {
	issue := fmt.Sprintf(msg, args...)
	slog.Warn(issue, "project", l.projectID)
	l.issues = append(l.issues, issue)
}

func (l *linter) checkTextRef(check textRefSchema) error {
	var fragments []string
	var args []any
	args = append(args, l.projectID)
	for _, target := range check.AnyOf {
		fragments = append(fragments, fmt.Sprintf("SELECT %s FROM %s WHERE project_id = ? AND %s IS NOT NULL",
			target.Column, target.Table, target.Column))
		args = append(args, l.projectID)
	}

	query := fmt.Sprintf("SELECT %s AS label, %s AS value FROM %s WHERE project_id = ? AND %s IS NOT NULL AND %s NOT IN (%s) ORDER BY id",
		check.Label, check.Column, check.Table, check.Column, check.Column, strings.Join(fragments, " UNION "))

	return sqlitex.Exec(l.conn, query, func(stmt *sqlite.Stmt) error {
		l.append("%s in %s.txt is not a valid %s [%s]",
			stmt.GetText("value"), check.Table, check.Column, stmt.GetText("label"))
		return nil
	}, args...)
}
