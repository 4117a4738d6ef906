package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns what it wrote.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

// decodeResponse parses a JSON CLI response, decoding data into v when
// v is non-nil.
func decodeResponse(t *testing.T, stdout string, v any) CLIResponse {
	t.Helper()

	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &raw), "stdout: %s", stdout)
	if v != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, v))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "flowcrm.db")
}

const helloWorkflow = `id: hello
name: Hello
nodes:
  - id: start
    type: MANUAL_TRIGGER
  - id: greet
    type: SET_VARIABLE
    data:
      values: {msg: "Hello {{trigger.name}}"}
connections:
  - {from: start, to: greet}
`

const brokenWorkflow = `id: broken
name: Broken
nodes:
  - id: start
    type: MANUAL_TRIGGER
  - id: check
    type: IF_ELSE
connections:
  - {from: start, to: check}
  - {from: check, to: missing}
`
