package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowcrm/internal/store"
)

func TestImport(t *testing.T) {
	db := tempDB(t)

	stdout, _, err := execute(t, "import", "testdata/workflows", "--tenant", "acme", "--db", db)

	require.NoError(t, err)
	assert.Contains(t, stdout, "Imported 1 workflow(s) for tenant acme")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	wf, err := st.GetWorkflow(t.Context(), "acme", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello", wf.Name)
	assert.Len(t, wf.Nodes, 2)

	_, err = st.GetWorkflow(t.Context(), "other", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImport_Replaces(t *testing.T) {
	db := tempDB(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "hello.yaml", helloWorkflow)

	_, _, err := execute(t, "import", dir, "--tenant", "acme", "--db", db)
	require.NoError(t, err)

	renamed := "id: hello\nname: Hello again\nnodes:\n  - {id: start, type: MANUAL_TRIGGER}\n"
	require.NoError(t, os.WriteFile(path, []byte(renamed), 0o644))
	_, _, err = execute(t, "import", dir, "--tenant", "acme", "--db", db)
	require.NoError(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	wf, err := st.GetWorkflow(t.Context(), "acme", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello again", wf.Name)
	assert.Len(t, wf.Nodes, 1)
	assert.Empty(t, wf.Connections)
}

func TestImport_NothingWrittenOnInvalid(t *testing.T) {
	db := tempDB(t)
	dir := t.TempDir()
	writeFile(t, dir, "hello.yaml", helloWorkflow)
	writeFile(t, dir, "broken.yaml", brokenWorkflow)

	stdout, _, err := execute(t, "--format", "json", "import", dir, "--tenant", "acme", "--db", db)

	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, stdout, nil)
	assert.Equal(t, CodeValidation, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "nothing imported")

	_, statErr := os.Stat(db)
	assert.True(t, os.IsNotExist(statErr), "database must not be created")
}

func TestImport_NothingWrittenOnStoreFailure(t *testing.T) {
	db := tempDB(t)
	owned := t.TempDir()
	writeFile(t, owned, "hello.yaml", helloWorkflow)
	_, _, err := execute(t, "import", owned, "--tenant", "globex", "--db", db)
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "alpha.yaml", "id: alpha\nname: Alpha\nnodes:\n  - {id: start, type: MANUAL_TRIGGER}\n")
	writeFile(t, dir, "hello.yaml", helloWorkflow)

	stdout, _, err := execute(t, "--format", "json", "import", dir, "--tenant", "acme", "--db", db)

	assert.Equal(t, ExitCommandError, GetExitCode(err))
	resp := decodeResponse(t, stdout, nil)
	assert.Equal(t, CodeStore, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "nothing imported")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.GetWorkflow(t.Context(), "acme", "alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
	wf, err := st.GetWorkflow(t.Context(), "globex", "hello")
	require.NoError(t, err)
	assert.Equal(t, "globex", wf.TenantID)
}

func TestImport_RequiresTenant(t *testing.T) {
	_, _, err := execute(t, "import", "testdata/workflows", "--db", tempDB(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant")
}
