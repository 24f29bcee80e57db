package gtfseditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProject(t *testing.T) {
	conn := testConn(t)

	project, err := CreateProject(conn, " alice ", "Night buses", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", project.Owner)
	assert.Equal(t, "Night buses", project.Name)
	assert.Equal(t, CreationEmpty, project.CreationStatus)
	assert.Equal(t, BuildNone, project.BuildStatus)
	assert.JSONEq(t, WorldEnvelope, string(project.Envelope))
	assert.Nil(t, project.ZipBuiltAt)
	assert.Nil(t, project.Validation)

	_, err = CreateProject(conn, "alice", "Night buses", "")
	require.ErrorIs(t, err, ErrConflict)
	_, err = CreateProject(conn, "bob", "Night buses", "")
	require.NoError(t, err)

	_, err = CreateProject(conn, "alice", "", "")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = CreateProject(conn, "alice", "Bad", `{"type":"Point","coordinates":[0,0]}`)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestListProjects(t *testing.T) {
	conn := testConn(t)
	testProject(t, conn, "b")
	testProject(t, conn, "a")
	_, err := CreateProject(conn, "bob", "c", "")
	require.NoError(t, err)

	projects, err := ListProjects(conn, "alice")
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "a", projects[0].Name)
	assert.Equal(t, "b", projects[1].Name)

	all, err := ListProjects(conn, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateProject(t *testing.T) {
	conn := testConn(t)
	id := testProject(t, conn, "a")
	testProject(t, conn, "b")

	project, err := UpdateProject(conn, id, "renamed", beattyEnvelope)
	require.NoError(t, err)
	assert.Equal(t, "renamed", project.Name)
	assert.JSONEq(t, beattyEnvelope, string(project.Envelope))

	project, err = UpdateProject(conn, id, "", "")
	require.NoError(t, err)
	assert.Equal(t, "renamed", project.Name)

	_, err = UpdateProject(conn, id, "b", "")
	require.ErrorIs(t, err, ErrConflict)
	_, err = UpdateProject(conn, id+100, "x", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileTouchesProject(t *testing.T) {
	conn := testConn(t)
	id := testProject(t, conn, "a")
	before, err := GetProject(conn, id)
	require.NoError(t, err)

	mustReconcile(t, conn, id, KindStop, threeStops)
	after, err := GetProject(conn, id)
	require.NoError(t, err)
	assert.True(t, after.LastModified.After(before.LastModified))
}

func TestDeleteProjectCascades(t *testing.T) {
	conn := testConn(t)
	id := testProject(t, conn, "a")
	_, err := Disassemble(conn, id, makeZip(t, sampleFeed))
	require.NoError(t, err)

	require.NoError(t, DeleteProject(conn, id))
	_, err = GetProject(conn, id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, DeleteProject(conn, id), ErrNotFound)

	for _, kind := range Kinds() {
		rows, err := ListRows(conn, id, kind)
		require.NoError(t, err)
		assert.Empty(t, rows, kind.FileName())
	}
}

func TestBuiltZipMissing(t *testing.T) {
	conn := testConn(t)
	id := testProject(t, conn, "a")
	_, err := BuiltZip(conn, id)
	require.ErrorIs(t, err, ErrNotFound)
}
