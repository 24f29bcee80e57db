package gtfseditor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"testing"

	"crawshaw.io/sqlite"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTempdir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		if t.Failed() {
			fmt.Println("Preserving tempdir after failed test", dir)
		} else {
			_ = os.RemoveAll(dir)
		}
	})
	return dir
}

func testDB(t *testing.T) *DB {
	db, err := Open(testTempdir(t)+"/editor.db", 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConn(t *testing.T) *sqlite.Conn {
	db := testDB(t)
	conn, err := db.Get(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Put(conn) })
	return conn
}

func testProject(t *testing.T, conn *sqlite.Conn, name string) int64 {
	project, err := CreateProject(conn, "alice", name, "")
	require.NoError(t, err)
	return project.ID
}

// mustReadCSV parses a file body that is known to be valid.
func mustReadCSV(t *testing.T, kind Kind, body string) []*Row {
	t.Helper()
	rows, err := ReadCSV(kind, strings.NewReader(body))
	require.NoError(t, err)
	return rows
}

func mustReconcile(t *testing.T, conn *sqlite.Conn, projectID int64, kind Kind, body string) *ReconcileResult {
	t.Helper()
	res, err := Reconcile(conn, projectID, kind, mustReadCSV(t, kind, body))
	require.NoError(t, err)
	return res
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(f, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string)
	for _, entry := range r.File {
		f, err := entry.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(f)
		require.NoError(t, err)
		_ = f.Close()
		out[entry.Name] = string(content)
	}
	return out
}

// sampleFeed is a small feed touching every file kind. Rows are in natural key order and values
// in canonical form, so exporting it after import reproduces it.
var sampleFeed = map[string]string{
	"agency.txt": `agency_id,agency_name,agency_url,agency_timezone
DTA,Demo Transit Authority,http://google.com,America/Los_Angeles
`,
	"levels.txt": `level_id,level_index,level_name
L0,0,Ground
`,
	"stops.txt": `stop_id,stop_name,stop_desc,stop_lat,stop_lon,zone_id,location_type,parent_station,level_id
AMV,Amargosa Valley (Demo),,36.641496,-116.40094,z2,,,
BEATTY_AIRPORT,Nye County Airport (Demo),,36.868446,-116.784582,z1,,,
BULLFROG,Bullfrog (Demo),,36.88108,-116.81797,z1,,STATION,L0
STAGECOACH,Stagecoach Hotel & Casino (Demo),,36.915682,-116.751677,z1,,,
STATION,Beatty Station,,36.9,-116.76,,1,,L0
`,
	"routes.txt": `route_id,agency_id,route_short_name,route_long_name,route_type
AB,DTA,10,Airport - Bullfrog,3
STBA,DTA,30,Stagecoach - Airport Shuttle,3
`,
	"shapes.txt": `shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence,shape_dist_traveled
SHP1,36.868446,-116.784582,1,0
SHP1,36.88108,-116.81797,2,3.5
`,
	"calendar.txt": `service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date
FULLW,1,1,1,1,1,1,1,20070101,20101231
WE,0,0,0,0,0,1,1,20070101,20101231
`,
	"calendar_dates.txt": `service_id,date,exception_type
FULLW,20070604,2
`,
	"trips.txt": `route_id,service_id,trip_id,trip_headsign,direction_id,block_id,shape_id
AB,FULLW,AB1,to Bullfrog,0,1,SHP1
AB,FULLW,AB2,to Airport,1,2,
STBA,WE,STBA,Shuttle,,,
`,
	"stop_times.txt": `trip_id,arrival_time,departure_time,stop_id,stop_sequence,pickup_type,drop_off_type
AB1,08:00:00,08:00:00,BEATTY_AIRPORT,1,,
AB1,08:10:00,08:15:00,BULLFROG,2,,
AB2,12:05:00,12:05:00,BULLFROG,1,,
AB2,12:15:00,12:15:00,BEATTY_AIRPORT,2,,
STBA,06:00:00,06:00:00,STAGECOACH,1,,
STBA,25:20:00,25:20:00,BEATTY_AIRPORT,2,0,1
`,
	"frequencies.txt": `trip_id,start_time,end_time,headway_secs,exact_times
STBA,06:00:00,22:00:00,1800,0
`,
	"fare_attributes.txt": `fare_id,price,currency_type,payment_method,transfers,agency_id
a,5.25,USD,0,0,DTA
p,1.25,USD,0,0,DTA
`,
	"fare_rules.txt": `fare_id,route_id,origin_id,destination_id
a,AB,,
p,STBA,z1,z1
`,
	"transfers.txt": `from_stop_id,to_stop_id,transfer_type,min_transfer_time
BEATTY_AIRPORT,STAGECOACH,2,300
`,
	"pathways.txt": `pathway_id,from_stop_id,to_stop_id,pathway_mode,is_bidirectional
PW1,BULLFROG,STATION,1,1
`,
	"feed_info.txt": `feed_publisher_name,feed_publisher_url,feed_lang,feed_start_date,feed_end_date,feed_version
Demo,http://example.com,en,20070101,20101231,1
`,
}

func sampleFeedWith(overrides map[string]string) map[string]string {
	out := make(map[string]string, len(sampleFeed))
	for name, body := range sampleFeed {
		out[name] = body
	}
	for name, body := range overrides {
		if body == "" {
			delete(out, name)
		} else {
			out[name] = body
		}
	}
	return out
}

func assertGTFSEqual(t *testing.T, expected, actual []byte) {
	t.Helper()

	expectedFiles := readZip(t, expected)
	actualFiles := readZip(t, actual)

	var removedFiles, addedFiles, filesToCheck []string
	for name := range expectedFiles {
		if _, ok := actualFiles[name]; !ok {
			removedFiles = append(removedFiles, name)
		}
	}
	for name := range actualFiles {
		if _, ok := expectedFiles[name]; ok {
			filesToCheck = append(filesToCheck, name)
		} else {
			addedFiles = append(addedFiles, name)
		}
	}
	slices.Sort(removedFiles)
	slices.Sort(addedFiles)
	slices.Sort(filesToCheck)

	var out strings.Builder

	if len(addedFiles) > 0 || len(removedFiles) > 0 {
		t.Fail()
	}
	for _, name := range addedFiles {
		fmt.Fprintf(&out, "ADDED FILE %s\n", name)
	}
	for _, name := range removedFiles {
		fmt.Fprintf(&out, "REMOVED FILE %s\n", name)
	}

	for _, file := range filesToCheck {
		var baseColumns []string
		if kind, ok := KindByName(file); ok {
			baseColumns = kind.Columns()
		}

		expectedContent, err := normalizeCSV(strings.NewReader(expectedFiles[file]), baseColumns)
		require.NoError(t, err)
		actualContent, err := normalizeCSV(strings.NewReader(actualFiles[file]), baseColumns)
		require.NoError(t, err)

		edits := myers.ComputeEdits(span.URIFromPath(file), string(expectedContent), string(actualContent))
		if len(edits) > 0 {
			t.Fail()
			fmt.Fprint(&out, gotextdiff.ToUnified("expected/"+file, "actual/"+file, string(expectedContent), edits))
		}
	}

	if out.Len() > 0 {
		t.Log("feeds differ\n", out.String())
	}
}

// normalizeCSV rewrites a file with sorted columns, adding any of baseColumns it lacks as empty.
func normalizeCSV(input io.Reader, baseColumns []string) ([]byte, error) {
	r := csv.NewReader(input)
	r.FieldsPerRecord = -1

	var out bytes.Buffer
	w := csv.NewWriter(&out)

	srcHeader, err := r.Read()
	if err != nil {
		return nil, err
	}

	headerOccurrences := make(map[string]int)
	for _, col := range srcHeader {
		headerOccurrences[col]++
	}
	for _, count := range headerOccurrences {
		if count > 1 {
			return nil, errors.New("normalizeCSV doesn't currently support duplicated column names")
		}
	}

	header := make([]string, len(srcHeader))
	copy(header, srcHeader)
	for _, col := range baseColumns {
		if !slices.Contains(header, col) {
			header = append(header, col)
		}
	}
	slices.Sort(header)

	headerSort := make([]int, len(srcHeader))
	for srcI, col := range srcHeader {
		dstI := slices.Index(header, col)
		if dstI == -1 {
			panic("unreachable")
		}
		headerSort[srcI] = dstI
	}

	if err := w.Write(header); err != nil {
		return nil, err
	}

	for {
		srcRow, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}

		row := make([]string, len(header))
		for srcI := range srcRow {
			row[headerSort[srcI]] = srcRow[srcI]
		}

		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return out.Bytes(), w.Error()
}

func TestHelperNormalizeCSV(t *testing.T) {
	sample := "a,c,b\n1,3,2\n1,0,1"
	expected := "a,b,c,d\n1,2,3,\n1,1,0,\n"

	got, err := normalizeCSV(bytes.NewReader([]byte(sample)), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, expected, string(got))
}

func TestHelperAssertGTFSEqual(t *testing.T) {
	feed := makeZip(t, sampleFeed)
	assertGTFSEqual(t, feed, feed)
}
