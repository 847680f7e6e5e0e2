package schemas_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// -- Test Helpers --

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

// -- Test Cases --

// TestConstants guards the string values persisted by the store.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant string
		expected string
	}{
		{"TaskLoadPage", string(schemas.TaskLoadPage), "LOAD_PAGE"},
		{"TaskBrowserNavigate", string(schemas.TaskBrowserNavigate), "BROWSER_NAVIGATE"},
		{"EventInjected", string(schemas.EventInjected), "INJECTED"},
		{"EventBlocked", string(schemas.EventBlocked), "BLOCKED"},
		{"EventAborted", string(schemas.EventAborted), "ABORTED"},
		{"EventPruned", string(schemas.EventPruned), "PRUNED"},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.constant)
		})
	}
}

// TestStructJSONTags verifies the wire names of the event and task records.
func TestStructJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		structRef    interface{}
		expectedTags map[string]string
	}{
		{
			name:      "InterceptionEvent",
			structRef: schemas.InterceptionEvent{},
			expectedTags: map[string]string{
				"ID":        "id",
				"RunID":     "run_id",
				"TaskID":    "task_id",
				"Timestamp": "timestamp",
				"PageURL":   "page_url",
				"Scriptlet": "scriptlet",
				"Kind":      "kind",
				"Target":    "target",
				"Detail":    "detail",
			},
		},
		{
			name:      "Task",
			structRef: schemas.Task{},
			expectedTags: map[string]string{
				"TaskID":     "task_id",
				"RunID":      "run_id",
				"Type":       "type",
				"Target":     "target",
				"Scriptlets": "scriptlets",
			},
		},
		{
			name:      "FetchResponse",
			structRef: schemas.FetchResponse{},
			expectedTags: map[string]string{
				"StatusText": "status_text",
				"Headers":    "headers",
			},
		},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			structType := reflect.TypeOf(tt.structRef)
			for fieldName, expectedTag := range tt.expectedTags {
				field, found := structType.FieldByName(fieldName)
				require.True(t, found, "Field '%s' not found in struct '%s'.", fieldName, tt.name)
				assert.Contains(t, field.Tag.Get("json"), expectedTag, "JSON tag mismatch for field '%s.%s'", tt.name, fieldName)
			}
		})
	}
}

// TestRunEnvelopeOmitsEmptyErrors keeps clean runs free of an errors key.
func TestRunEnvelopeOmitsEmptyErrors(t *testing.T) {
	t.Parallel()
	envelope := schemas.RunEnvelope{
		RunID:     "run-1",
		TaskID:    "task-1",
		Target:    "https://example.org/",
		Timestamp: getTestTime(t),
		Events: []schemas.InterceptionEvent{{
			ID:        "evt-1",
			Scriptlet: "prevent-fetch",
			Kind:      schemas.EventBlocked,
			Target:    "https://example.org/ads.js",
		}},
	}

	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"errors"`)
	assert.Contains(t, string(data), `"kind":"BLOCKED"`)
}
