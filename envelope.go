package gtfseditor

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

// WorldEnvelope is the envelope of a project that has not been given one.
const WorldEnvelope = `{"type":"Polygon","coordinates":[[[-180,-90],[180,-90],[180,90],[-180,90],[-180,-90]]]}`

// ParseEnvelope parses a project envelope, which must be a valid GeoJSON Polygon or MultiPolygon.
func ParseEnvelope(envelope string) (geojson.Object, error) {
	obj, err := geojson.Parse(envelope, &geojson.ParseOptions{RequireValid: true})
	if err != nil {
		return nil, fmt.Errorf("%w: parse envelope: %v", ErrInvalidInput, err)
	}
	switch obj.(type) {
	case *geojson.Polygon, *geojson.MultiPolygon:
		return obj, nil
	default:
		return nil, fmt.Errorf("%w: envelope must be a Polygon or MultiPolygon", ErrInvalidInput)
	}
}

// StopsOutsideEnvelope returns the stop_id of every stop of the project lying outside its envelope.
func StopsOutsideEnvelope(conn *sqlite.Conn, projectID int64) ([]string, error) {
	project, err := GetProject(conn, projectID)
	if err != nil {
		return nil, err
	}
	envelope, err := ParseEnvelope(string(project.Envelope))
	if err != nil {
		return nil, err
	}

	var outside []string
	err = sqlitex.Exec(conn, "SELECT stop_id, stop_lon, stop_lat FROM stops WHERE project_id = ? ORDER BY stop_id",
		func(stmt *sqlite.Stmt) error {
			point := geojson.NewPoint(geometry.Point{X: stmt.GetFloat("stop_lon"), Y: stmt.GetFloat("stop_lat")})
			if !envelope.Contains(point) {
				outside = append(outside, stmt.GetText("stop_id"))
			}
			return nil
		}, projectID)
	if err != nil {
		return nil, fmt.Errorf("check stops against envelope: %w", err)
	}
	return outside, nil
}
