// Tests for the Trace Event Format translation.
// Validates interval pairing, nesting, and tolerance of lost opens.
package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelinePairsNestedIntervals(t *testing.T) {
	t.Parallel()

	records := []*Record{
		{Kind: KindSpanOpen, SpanID: 1, TID: 9, Name: "compile", Target: "compiler"},
		{Kind: KindSpanOpen, SpanID: 2, ParentID: 1, TID: 9, Name: "parse", Target: "compiler"},
		{Kind: KindSpanEnter, SpanID: 1, TID: 9, Time: 1000},
		{Kind: KindSpanEnter, SpanID: 2, TID: 9, Time: 2000},
		{Kind: KindSpanExit, SpanID: 2, TID: 9, Time: 5000, Duration: 3000},
		{Kind: KindSpanExit, SpanID: 1, TID: 9, Time: 9000, Duration: 8000},
		{Kind: KindSpanClose, SpanID: 2, TID: 9, Time: 9100},
		{Kind: KindSpanClose, SpanID: 1, TID: 9, Time: 9200},
	}

	events := Timeline(records)
	require.Len(t, events, 2)

	// Inner interval first: exits pair innermost-out, sorted by start time.
	assert.Equal(t, "compile", events[0].Name)
	assert.Equal(t, int64(1), events[0].Timestamp)
	assert.Equal(t, int64(8), events[0].Duration)
	assert.Equal(t, "parse", events[1].Name)
	assert.Equal(t, "compiler", events[1].Category)
	assert.Equal(t, int64(9), events[1].ThreadID)
	assert.Equal(t, phaseComplete, events[1].Phase)
}

func TestTimelineLostOpenFallsBackToSpanID(t *testing.T) {
	t.Parallel()

	records := []*Record{
		// The SpanOpen for span 3 was dropped before this reader attached.
		{Kind: KindSpanEnter, SpanID: 3, TID: 1, Time: 1000},
		{Kind: KindSpanExit, SpanID: 3, TID: 1, Time: 2000, Duration: 1000},
	}
	events := Timeline(records)
	require.Len(t, events, 1)
	assert.Equal(t, "span-3", events[0].Name)
}

func TestTimelineIgnoresUnmatchedExit(t *testing.T) {
	t.Parallel()

	records := []*Record{
		{Kind: KindSpanOpen, SpanID: 1, TID: 9, Name: "compile"},
		{Kind: KindSpanEnter, SpanID: 1, TID: 9, Time: 1000},
		// An exit the writer flagged as having no matching enter must not
		// consume span 1's pending enter.
		{Kind: KindSpanExit, SpanID: 9, TID: 9, Time: 1500, Flags: FlagUnmatched},
		{Kind: KindSpanExit, SpanID: 1, TID: 9, Time: 5000, Duration: 4000},
	}

	events := Timeline(records)
	require.Len(t, events, 1)
	assert.Equal(t, "compile", events[0].Name)
	assert.Equal(t, int64(1), events[0].Timestamp)
	assert.Equal(t, int64(4), events[0].Duration)
}

func TestTimelineLogEventBecomesInstant(t *testing.T) {
	t.Parallel()

	records := []*Record{
		{Kind: KindLogEvent, SpanID: 4, TID: 2, Time: 3000, Name: "retrying",
			Fields: []Field{{Key: "attempt", Value: "2"}}},
	}
	events := Timeline(records)
	require.Len(t, events, 1)
	assert.Equal(t, phaseInstant, events[0].Phase)
	assert.Equal(t, "retrying", events[0].Name)
	assert.Equal(t, "2", events[0].Args["attempt"])
}

func TestWriteTimelineProducesValidJSON(t *testing.T) {
	t.Parallel()

	events := []TimelineEvent{
		{Name: "a", Phase: phaseComplete, Timestamp: 1, Duration: 2, ThreadID: 1},
		{Name: "b", Phase: phaseInstant, Timestamp: 3, Scope: "t"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTimeline(&buf, events))

	var decoded []TimelineEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "a", decoded[0].Name)
}
