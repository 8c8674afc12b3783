package commands

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	scheduleapp "github.com/jinford/dataset-sync/internal/module/schedule/application"
	syncapp "github.com/jinford/dataset-sync/internal/module/sync/application"
	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

func TestRenderPassResult(t *testing.T) {
	// Setup
	var buf bytes.Buffer
	result := syncapp.PassResult{
		Changed: true,
		Outcomes: map[string]domain.Outcome{
			"FTP_Crash": {DatasetID: "FTP_Crash", Kind: domain.OutcomeUpdated, Marker: domain.NewMarker(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)), Artifact: "Crash_2024Jul.zip"},
			"Broken":    {DatasetID: "Broken", Kind: domain.OutcomeFailed, Err: errors.New("connection refused")},
		},
	}

	// Execute
	renderPassResult(&buf, result)

	// Assert
	out := buf.String()
	assert.Contains(t, out, "Crash_2024Jul.zip")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "changed: true, failed: 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Broken")), bytes.Index(buf.Bytes(), []byte("FTP_Crash")))
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	loc, err := time.LoadLocation("America/Los_Angeles")
	assert.NoError(t, err)

	renderHistory(&buf, []domain.UpdateEvent{
		{Type: "workflow", Status: domain.StatusFailed, Timestamp: time.Date(2024, 6, 2, 6, 45, 0, 0, time.UTC), Details: map[string]any{"error": "exit 3"}},
		{Type: "api-metadata", Dataset: "A", Status: domain.StatusSuccess, Timestamp: time.Date(2024, 6, 2, 5, 0, 0, 0, time.UTC), Details: map[string]any{"marker": "2024-06-01"}},
	}, loc)

	out := buf.String()
	assert.Contains(t, out, "2024-06-01 23:45:00 PDT")
	assert.Contains(t, out, "error: exit 3")
	assert.Contains(t, out, "marker: 2024-06-01")
}

func TestRenderEntries(t *testing.T) {
	var buf bytes.Buffer

	renderEntries(&buf, []scheduleapp.EntryInfo{
		{ID: "workflow", Spec: "45 23 * * *", RetryCount: 2, RetryPending: true},
	}, time.UTC)

	out := buf.String()
	assert.Contains(t, out, "45 23 * * *")
	assert.Contains(t, out, "true")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want string
	}{
		{name: "正常系: バイト", in: 512, want: "512 B"},
		{name: "正常系: キビバイト", in: 1536, want: "1.5 KiB"},
		{name: "正常系: メビバイト", in: 8 * 1024 * 1024, want: "8.0 MiB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatBytes(tt.in))
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdef", 2))
}
