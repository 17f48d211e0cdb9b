package ledger

import (
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

func sampleRecord(runID string) *DecisionRecord {
	return &DecisionRecord{
		RunID:  runID,
		DateNY: "2026-08-31",
		TSUTC:  time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC),
		Mode:   "dry_run",
		Cycle:  CycleMeta{PID: 4242, Hostname: "engine-1", LoopIntervalSec: 30},
		IntentsSeen: []schema.TradeIntent{
			{StrategyID: "S2", Symbol: "BBB", Side: schema.SideBuy, Qty: 7},
			{StrategyID: "S1", Symbol: "AAA", Side: schema.SideBuy, Qty: 5},
		},
		Gates: Gates{Blocks: []GateBlock{
			{Code: "market_settle", Message: "waiting for settle window"},
			{Code: "kill_switch", Message: "entry side disabled"},
		}},
		Actions: Actions{
			Submitted: []SubmittedAction{
				{StrategyID: "S2", Symbol: "BBB", Side: "buy", Qty: 7, ExternalOrderID: "x-2"},
				{StrategyID: "S1", Symbol: "AAA", Side: "buy", Qty: 5, ExternalOrderID: "x-1"},
			},
			Skipped: []SkippedAction{
				{StrategyID: "S3", Symbol: "CCC", Reason: "stale_intent"},
			},
			Errors: []ActionError{
				{Origin: "submit/order", Symbol: "DDD", Error: "gateway timeout"},
			},
		},
		Artifacts: []string{"b.json", "a.json"},
	}
}

func TestCanonicalizeSortsEveryList(t *testing.T) {
	rec := sampleRecord("run-1")
	rec.Canonicalize()

	assert.Equal(t, "AAA", rec.IntentsSeen[0].Symbol)
	assert.Equal(t, "kill_switch", rec.Gates.Blocks[0].Code)
	assert.Equal(t, "AAA", rec.Actions.Submitted[0].Symbol)
	assert.Equal(t, []string{"a.json", "b.json"}, rec.Artifacts)
}

func TestCanonicalRecordsSerializeIdentically(t *testing.T) {
	a := sampleRecord("run-1")
	b := sampleRecord("run-1")
	// Permute b's lists; canonicalization must erase the difference.
	b.IntentsSeen[0], b.IntentsSeen[1] = b.IntentsSeen[1], b.IntentsSeen[0]
	b.Actions.Submitted[0], b.Actions.Submitted[1] = b.Actions.Submitted[1], b.Actions.Submitted[0]

	a.Canonicalize()
	b.Canonicalize()

	rawA, err := json.Marshal(a)
	require.NoError(t, err)
	rawB, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)
}

func TestAppendWritesDayFileAndLatest(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)

	require.NoError(t, w.Append(sampleRecord("run-1")))
	require.NoError(t, w.Append(sampleRecord("run-2")))

	day, err := w.ReadDay("2026-08-31")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "run-1", day[0].RunID)
	assert.Equal(t, "run-2", day[1].RunID)

	raw, err := os.ReadFile(w.LatestPath())
	require.NoError(t, err)
	var latest DecisionRecord
	require.NoError(t, json.Unmarshal(raw, &latest))
	assert.Equal(t, "run-2", latest.RunID, "latest pointer tracks the newest record")
}

func TestReadDayMissingFileIsEmpty(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)
	day, err := w.ReadDay("2026-01-01")
	require.NoError(t, err)
	assert.Empty(t, day)
}

func TestConsumedEntriesMergeAndSort(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)

	require.NoError(t, AppendConsumedEntries(dir, "2026-08-31", []ConsumedEntry{
		{StrategyID: "S1", Symbol: "BBB", Outcome: "submitted", ConsumedTS: ts},
	}))
	require.NoError(t, AppendConsumedEntries(dir, "2026-08-31", []ConsumedEntry{
		{StrategyID: "S1", Symbol: "AAA", Outcome: "skipped", Reason: "stale_intent", ConsumedTS: ts},
	}))

	got, err := LoadConsumedEntries(dir, "2026-08-31")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", got[0].Symbol)
	assert.Equal(t, "BBB", got[1].Symbol)

	other, err := LoadConsumedEntries(dir, "2026-09-01")
	require.NoError(t, err)
	assert.Empty(t, other)
}
