package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/compiler"
	"github.com/roach88/keel/internal/config"
)

func TestValidateModels(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)

	out, _, err := execute(t, "validate", filepath.Join(w.dir, "models"), "--format", "json")
	require.NoError(t, err)

	var res ValidationResult
	decodeData(t, out, &res)
	assert.True(t, res.Valid)
	require.Len(t, res.Models, 1)
	assert.Equal(t, "Dog", res.Models[0].Name)
	assert.NotEmpty(t, res.Hash)
}

func TestValidateModelsText(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)

	out, _, err := execute(t, "validate", filepath.Join(w.dir, "models"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 model(s) valid")
	assert.Contains(t, out, "Dog: name, owner")
}

func TestValidateReportsProblems(t *testing.T) {
	w := newWorkspace(t, `package models

model: Dog: {
	primary_key: "missing"
	fields: {
		name: string
	}
}
`, 1)

	out, _, err := execute(t, "validate", filepath.Join(w.dir, "models"), "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string           `json:"code"`
			Details ValidationResult `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeInvalid, resp.Error.Code)
	assert.False(t, resp.Error.Details.Valid)
	assert.NotEmpty(t, resp.Error.Details.Errors)
}

func TestValidateMissingDir(t *testing.T) {
	out, _, err := execute(t, "validate", "/nonexistent/models")
	require.Error(t, err)
	assert.Contains(t, out, "["+compiler.ErrCodeNotFound+"]")
}

func TestConfigSchemaCommand(t *testing.T) {
	out, _, err := execute(t, "config-schema", "--format", "json")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema), "schema is printed bare")
	assert.Equal(t, config.SchemaID, schema["$id"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "models_dir")
}
