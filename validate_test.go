package gtfseditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Roughly the area north east of Beatty, NV.
const beattyEnvelope = `{"type":"Polygon","coordinates":[[[-116.8,36.85],[-116.7,36.85],[-116.7,36.95],[-116.8,36.95],[-116.8,36.85]]]}`

func TestLintCleanFeed(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")
	_, err := Disassemble(conn, project, makeZip(t, sampleFeed))
	require.NoError(t, err)

	issues, err := Lint(conn, project)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestLintTextReferences(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")
	feed := sampleFeedWith(map[string]string{
		"calendar_dates.txt": "",
		"trips.txt": `route_id,service_id,trip_id
AB,FULLW,AB1
AB,HOLIDAY,AB2
STBA,WE,STBA
`,
		"fare_rules.txt": `fare_id,route_id,origin_id,destination_id,contains_id
a,AB,,,
p,STBA,z1,z9,
`,
	})
	_, err := Disassemble(conn, project, makeZip(t, feed))
	require.NoError(t, err)

	issues, err := Lint(conn, project)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"HOLIDAY in trips.txt is not a valid service_id [AB2]",
		"z9 in fare_rules.txt is not a valid destination_id [p]",
	}, issues)
}

func TestLintServiceFromCalendarDatesOnly(t *testing.T) {
	conn := testConn(t)
	project := testProject(t, conn, "a")
	feed := sampleFeedWith(map[string]string{
		"calendar_dates.txt": "service_id,date,exception_type\nFULLW,20070604,2\nHOLIDAY,20071225,1\n",
		"trips.txt":          "route_id,service_id,trip_id\nAB,HOLIDAY,AB1\nAB,FULLW,AB2\nSTBA,WE,STBA\n",
	})
	_, err := Disassemble(conn, project, makeZip(t, feed))
	require.NoError(t, err)

	issues, err := Lint(conn, project)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestStopsOutsideEnvelope(t *testing.T) {
	conn := testConn(t)
	project, err := CreateProject(conn, "alice", "beatty", beattyEnvelope)
	require.NoError(t, err)
	_, err = Disassemble(conn, project.ID, makeZip(t, sampleFeed))
	require.NoError(t, err)

	outside, err := StopsOutsideEnvelope(conn, project.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"AMV", "BULLFROG"}, outside)

	issues, err := Lint(conn, project.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"stop AMV in stops.txt is outside the project envelope",
		"stop BULLFROG in stops.txt is outside the project envelope",
	}, issues)
}

func TestParseEnvelope(t *testing.T) {
	_, err := ParseEnvelope(WorldEnvelope)
	require.NoError(t, err)
	_, err = ParseEnvelope(beattyEnvelope)
	require.NoError(t, err)

	for _, input := range []string{
		`{"type":"Point","coordinates":[0,0]}`,
		`not json`,
	} {
		_, err := ParseEnvelope(input)
		assert.ErrorIs(t, err, ErrInvalidInput, input)
	}
}
