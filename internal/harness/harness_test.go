package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/testutil"
)

func dogScenario(steps []Step, assertions ...Assertion) *Scenario {
	return &Scenario{
		Name:          "test",
		Description:   "test scenario",
		SchemaVersion: 1,
		Models:        []ir.ModelSpec{testutil.DogModel, testutil.PersonModel},
		Steps:         steps,
		Assertions:    assertions,
	}
}

func TestRunRecordsNotifications(t *testing.T) {
	result, err := Run(dogScenario([]Step{
		{Op: OpObserveQuery, Model: "Dog", As: "dogs"},
		{Op: OpCreate, Model: "Dog", Fields: map[string]any{"name": "rex"}, As: "rex"},
		{Op: OpCreate, Model: "Person", Fields: map[string]any{"email": "ada@x"}},
	}, Assertion{Type: AssertNotificationCount, Observer: "dogs", Count: 1}))
	require.NoError(t, err)

	assert.True(t, result.Pass, result.Errors)
	require.Len(t, result.Trace, 1)
	event := result.Trace[0]
	assert.Equal(t, EventQuery, event.Kind)
	assert.Equal(t, 1, event.Step)
	assert.Equal(t, DefaultHandle, event.Handle)
	require.Len(t, event.Objects, 1)
	assert.Equal(t, ir.String("rex"), event.Objects[0].Get("name"))
}

func TestRunGroupsWritesInOpenTransaction(t *testing.T) {
	result, err := Run(dogScenario([]Step{
		{Op: OpObserveQuery, Model: "Dog", As: "dogs"},
		{Op: OpBegin},
		{Op: OpCreate, Model: "Dog", Fields: map[string]any{"name": "rex"}},
		{Op: OpCreate, Model: "Dog", Fields: map[string]any{"name": "fido"}},
		{Op: OpCommit},
	},
		Assertion{Type: AssertNotificationCount, Observer: "dogs", Count: 1},
		Assertion{Type: AssertLastResult, Observer: "dogs", Count: 2},
	))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRunExpectedErrors(t *testing.T) {
	result, err := Run(dogScenario([]Step{
		{Op: OpBegin},
		{Op: OpBegin, ExpectError: "NESTED_TRANSACTION"},
		{Op: OpCancel},
		{Op: OpCancel, ExpectError: "NO_ACTIVE_TRANSACTION"},
	}))
	require.NoError(t, err)

	assert.True(t, result.Pass, result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, EventError, result.Trace[0].Kind)
	assert.Equal(t, "NESTED_TRANSACTION", result.Trace[0].Code)
	assert.Equal(t, 1, result.Trace[0].Step)
}

func TestRunReportsStepFailures(t *testing.T) {
	t.Run("unexpected error stops the run", func(t *testing.T) {
		result, err := Run(dogScenario([]Step{
			{Op: OpCommit},
			{Op: OpObserveQuery, Model: "Dog", As: "dogs"},
		}))
		require.NoError(t, err)
		assert.False(t, result.Pass)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "step 0 (commit): unexpected error")
	})

	t.Run("missing expected error", func(t *testing.T) {
		result, err := Run(dogScenario([]Step{
			{Op: OpBegin, ExpectError: "NESTED_TRANSACTION"},
		}))
		require.NoError(t, err)
		assert.False(t, result.Pass)
		assert.Contains(t, result.Errors[0], "got success")
	})

	t.Run("wrong error code", func(t *testing.T) {
		result, err := Run(dogScenario([]Step{
			{Op: OpCommit, ExpectError: "NESTED_TRANSACTION"},
		}))
		require.NoError(t, err)
		assert.False(t, result.Pass)
		assert.Contains(t, result.Errors[0], "expected error NESTED_TRANSACTION")
	})
}

func TestRunFailedAssertions(t *testing.T) {
	result, err := Run(dogScenario([]Step{
		{Op: OpObserveQuery, Model: "Dog", As: "dogs"},
		{Op: OpCreate, Model: "Dog", Fields: map[string]any{"name": "rex"}},
	},
		Assertion{Type: AssertNotificationCount, Observer: "dogs", Count: 5},
		Assertion{Type: AssertFinalState, Model: "Dog", Where: map[string]any{"name": "rex"}, Expect: map[string]any{"owner": "ada"}},
		Assertion{Type: AssertFinalState, Model: "Dog", Where: map[string]any{"name": "ghost"}, Expect: map[string]any{"owner": ""}},
	))
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "5 notifications to dogs")
	assert.Contains(t, result.Errors[1], `field "owner" = ada`)
	assert.Contains(t, result.Errors[2], "row not found")
}

func TestRunUnobserve(t *testing.T) {
	result, err := Run(dogScenario([]Step{
		{Op: OpObserveQuery, Model: "Dog", As: "dogs"},
		{Op: OpUnobserve, Observer: "dogs"},
		{Op: OpCreate, Model: "Dog", Fields: map[string]any{"name": "rex"}},
		{Op: OpUnobserve, Observer: "dogs"},
	}))
	require.NoError(t, err)

	assert.Empty(t, result.Trace)
	assert.False(t, result.Pass, "second unobserve fails")
	assert.Contains(t, result.Errors[0], "no longer registered")
}

func TestRunSetupErrors(t *testing.T) {
	s := dogScenario([]Step{{Op: OpBegin}})
	s.ModelsDir = t.TempDir()

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load models")
}

func TestBuildQuery(t *testing.T) {
	q, err := buildQuery(Step{
		Model: "Person",
		Where: map[string]any{"name": "Ada", "age": 36},
		Sort:  []string{"-age", "name"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Person", q.From)
	require.Len(t, q.Sort, 2)
	assert.True(t, q.Sort[0].Desc)
	assert.Equal(t, "age", q.Sort[0].Field)
	assert.False(t, q.Sort[1].Desc)

	_, err = buildQuery(Step{Model: "Person", Where: map[string]any{"age": 1.5}})
	assert.Error(t, err)
}
