package forward

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jglowsoap/jimini/internal/audit"
)

func dlqRecord(requestID string) audit.Record {
	return audit.Record{
		RequestID: requestID,
		Endpoint:  "/v1/chat",
		Direction: "response",
		Action:    "block",
		RuleIDs:   []string{"OPENAI-KEY-1.0"},
	}
}

func TestDeadLetterWriteAndRead(t *testing.T) {
	q := NewDeadLetterQueue(filepath.Join(t.TempDir(), "deadletter.jsonl"), nil)

	q.Write("splunk", dlqRecord("req_1"), "delivery_failure", 0)
	q.Write("elastic", dlqRecord("req_2"), "circuit_open", 1)
	q.Write("splunk", dlqRecord("req_3"), "delivery_failure", 2)

	all, err := q.Read("")
	require.NoError(t, err)
	require.Len(t, all, 3)

	splunk, err := q.Read("splunk")
	require.NoError(t, err)
	require.Len(t, splunk, 2)
	require.Equal(t, "req_1", splunk[0].OriginalEvent.RequestID)
	require.Equal(t, "req_3", splunk[1].OriginalEvent.RequestID)
	require.Equal(t, 2, splunk[1].RetryCount)
}

func TestDeadLetterClearRemovesOnlyTarget(t *testing.T) {
	q := NewDeadLetterQueue(filepath.Join(t.TempDir(), "deadletter.jsonl"), nil)

	q.Write("splunk", dlqRecord("req_1"), "delivery_failure", 0)
	q.Write("elastic", dlqRecord("req_2"), "delivery_failure", 0)

	require.NoError(t, q.Clear("splunk"))

	remaining, err := q.Read("")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "elastic", remaining[0].Target)
}

func TestDeadLetterSkipsCorruptedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	q := NewDeadLetterQueue(path, nil)

	q.Write("splunk", dlqRecord("req_1"), "delivery_failure", 0)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = file.WriteString("{not json at all\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	q.Write("splunk", dlqRecord("req_2"), "delivery_failure", 0)

	entries, err := q.Read("splunk")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDeadLetterStats(t *testing.T) {
	q := NewDeadLetterQueue(filepath.Join(t.TempDir(), "deadletter.jsonl"), nil)

	stats := q.Stats()
	require.Equal(t, 0, stats.TotalEvents)

	q.Write("splunk", dlqRecord("req_1"), "delivery_failure", 0)
	q.Write("splunk", dlqRecord("req_2"), "delivery_failure", 0)
	q.Write("webhook", dlqRecord("req_3"), "circuit_open", 0)

	stats = q.Stats()
	require.Equal(t, 3, stats.TotalEvents)
	require.Equal(t, 2, stats.Targets["splunk"])
	require.Equal(t, 1, stats.Targets["webhook"])
	require.NotEmpty(t, stats.OldestEvent)
	require.NotEmpty(t, stats.NewestEvent)
}

func TestDeadLetterRequeueReplacesTargetEntries(t *testing.T) {
	q := NewDeadLetterQueue(filepath.Join(t.TempDir(), "deadletter.jsonl"), nil)

	q.Write("splunk", dlqRecord("req_1"), "delivery_failure", 0)
	q.Write("splunk", dlqRecord("req_2"), "delivery_failure", 0)
	q.Write("elastic", dlqRecord("req_3"), "delivery_failure", 0)

	entries, err := q.Read("splunk")
	require.NoError(t, err)
	keep := entries[1:]
	keep[0].RetryCount = 1
	require.NoError(t, q.Requeue("splunk", keep))

	splunk, err := q.Read("splunk")
	require.NoError(t, err)
	require.Len(t, splunk, 1)
	require.Equal(t, "req_2", splunk[0].OriginalEvent.RequestID)
	require.Equal(t, 1, splunk[0].RetryCount)

	elastic, err := q.Read("elastic")
	require.NoError(t, err)
	require.Len(t, elastic, 1)
}

func TestDeadLetterReadMissingFile(t *testing.T) {
	q := NewDeadLetterQueue(filepath.Join(t.TempDir(), "deadletter.jsonl"), nil)
	entries, err := q.Read("")
	require.NoError(t, err)
	require.Empty(t, entries)
}
