package gtfseditor

import (
	"bytes"
	"testing"

	"crawshaw.io/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsertEntity(t *testing.T, conn *sqlite.Conn, project int64, kind Kind, raw map[string]string) {
	t.Helper()
	row, err := Deserialize(kind, raw)
	require.NoError(t, err)
	_, err = Upsert(conn, project, kind, []*Row{row})
	require.NoError(t, err)
}

func TestAssembleCreatedEntities(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")

	upsertEntity(t, conn, project, KindAgency, map[string]string{
		"agency_id": "agency_1", "agency_name": "Agency", "agency_url": "http://example.com", "agency_timezone": "UTC",
	})
	upsertEntity(t, conn, project, KindStop, map[string]string{"stop_id": "stop_1", "stop_lat": "0", "stop_lon": "0"})
	upsertEntity(t, conn, project, KindRoute, map[string]string{"route_id": "route_1", "route_type": "3"})
	upsertEntity(t, conn, project, KindTrip, map[string]string{"trip_id": "trip_1", "route_id": "route_1", "service_id": "always"})
	upsertEntity(t, conn, project, KindStopTime, map[string]string{
		"trip_id": "trip_1", "stop_id": "stop_1", "stop_sequence": "1", "arrival_time": "08:00:00", "departure_time": "08:00:00",
	})

	res, err := Assemble(conn, project)
	require.NoError(t, err)
	assert.Equal(t, []string{"agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt"}, res.Files)
	assert.Len(t, res.Warnings, 3)
	assert.Contains(t, res.Warnings[0], "calendar.txt")

	files := readZip(t, res.Zip)
	require.Len(t, files, 5)
	for name, content := range files {
		kind, ok := KindByName(name)
		require.True(t, ok, name)
		rows := mustReadCSV(t, kind, content)
		assert.Len(t, rows, 1, name)
	}

	routes := mustReadCSV(t, KindRoute, files["routes.txt"])
	assert.Equal(t, "agency_1", routes[0].Get("agency_id"))
	stopTimes := mustReadCSV(t, KindStopTime, files["stop_times.txt"])
	assert.Equal(t, []string{"trip_1", "stop_1", "1"}, stopTimes[0].NaturalKey())
}

func TestAssembleIsDeterministic(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")
	_, err := Disassemble(conn, project, makeZip(t, sampleFeed))
	require.NoError(t, err)

	first, err := Assemble(conn, project)
	require.NoError(t, err)
	second, err := Assemble(conn, project)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first.Zip, second.Zip))
	assert.Empty(t, first.Warnings)
	assert.Len(t, first.Files, len(exportOrder))
}

func TestAssembleEmptyProject(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")

	res, err := Assemble(conn, project)
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Len(t, res.Warnings, 8)
	assert.Empty(t, readZip(t, res.Zip))

	_, err = Assemble(conn, project+1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExportFile(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")

	var buf bytes.Buffer
	require.NoError(t, ExportFile(conn, project, KindLevel, &buf))
	assert.Equal(t, "level_id,level_index,level_name\n", buf.String())

	mustReconcile(t, conn, project, KindLevel, sampleFeed["levels.txt"])
	buf.Reset()
	require.NoError(t, ExportFile(conn, project, KindLevel, &buf))
	assert.Equal(t, sampleFeed["levels.txt"], buf.String())
}
