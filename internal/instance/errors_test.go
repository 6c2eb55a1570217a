package instance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := newError(CodeNestedTransaction, "/tmp/x.db", "begin twice")

	assert.ErrorIs(t, err, ErrNestedTransaction)
	assert.NotErrorIs(t, err, ErrNoActiveTransaction)
	assert.True(t, IsTransactionError(err))
	assert.False(t, IsSchemaError(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrNestedTransaction)
	assert.Equal(t, CodeNestedTransaction, CodeOf(wrapped))
}

func TestSchemaErrorsMatchSchemaIncompatible(t *testing.T) {
	for _, code := range []Code{CodeMigrationNeeded, CodeSchemaNewerThanCode, CodeSchemaIncompatible} {
		err := newError(code, "", "x")
		assert.ErrorIs(t, err, ErrSchemaIncompatible, code)
		assert.True(t, IsSchemaError(err), code)
	}

	assert.NotErrorIs(t, ErrSchemaIncompatible, ErrMigrationNeeded, "the match is one way")
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	err := wrapError(CodeSchemaIncompatible, "/data/app.db", cause, "migration from %d to %d failed", 1, 2)

	assert.Equal(t, "SCHEMA_INCOMPATIBLE: migration from 1 to 2 failed (path=/data/app.db): disk on fire", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Code(""), CodeOf(cause))
}
