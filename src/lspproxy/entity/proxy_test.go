package entity

import (
	"encoding/json"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlesExtension(t *testing.T) {
	d := ServerDescriptor{
		Language:   "typescript",
		Executable: "typescript-language-server",
		Extensions: []string{".ts", ".tsx"},
	}

	assert.True(t, d.HandlesExtension(".ts"))
	assert.True(t, d.HandlesExtension("tsx"))
	assert.False(t, d.HandlesExtension(".go"))
	assert.False(t, d.HandlesExtension(""))
}

func TestProcessKeyString(t *testing.T) {
	k := ProcessKey{Language: "go", WorkspaceRoot: "/work/a"}
	assert.Equal(t, "go@/work/a", k.String())
}

func TestConnectionJSONShape(t *testing.T) {
	c := Connection{
		UUID:          uuid.Must(uuid.FromString("9e754ef6-8dd9-4903-af43-7aea99bfb1fe")),
		Language:      "go",
		WorkspaceRoot: "/work/a",
	}

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"uuid":"9e754ef6-8dd9-4903-af43-7aea99bfb1fe","language":"go","workspaceRoot":"/work/a"}`,
		string(raw))
}
