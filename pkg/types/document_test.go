package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactRanges(t *testing.T) {
	tests := []struct {
		name string
		refs []PageRef
		want []PageRange
	}{
		{"empty", nil, nil},
		{
			name: "single run",
			refs: []PageRef{{"a", 1}, {"a", 2}, {"a", 3}},
			want: []PageRange{{"a", 1, 3}},
		},
		{
			name: "gap starts new range",
			refs: []PageRef{{"a", 1}, {"a", 2}, {"a", 5}},
			want: []PageRange{{"a", 1, 2}, {"a", 5, 5}},
		},
		{
			name: "file change starts new range",
			refs: []PageRef{{"a", 3}, {"b", 4}},
			want: []PageRange{{"a", 3, 3}, {"b", 4, 4}},
		},
		{
			name: "reversed order is not merged",
			refs: []PageRef{{"a", 2}, {"a", 1}},
			want: []PageRange{{"a", 2, 2}, {"a", 1, 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompactRanges(tt.refs))
		})
	}
}

func TestExpandRangesRoundTrip(t *testing.T) {
	ranges := []PageRange{{"a", 1, 3}, {"b", 2, 2}}
	refs := ExpandRanges(ranges)
	require.Len(t, refs, 4)
	assert.Equal(t, PageRef{"b", 2}, refs[3])
	assert.Equal(t, ranges, CompactRanges(refs))
	assert.Equal(t, 4, PageCount(ranges))
}

func TestStageTransitions(t *testing.T) {
	// Each stage's output feeds the next stage's input.
	for i := 0; i < len(Stages)-1; i++ {
		assert.Equal(t, Stages[i].Output(), Stages[i+1].Input(), "stage %s", Stages[i])
	}
	assert.Equal(t, StatusProcessed, Stage2.Output())
	assert.True(t, StatusProcessed.IsTerminal())
	assert.False(t, StatusStage1Done.IsTerminal())
}

func TestParseStage(t *testing.T) {
	for in, want := range map[string]Stage{"1": Stage1, "1.5": Stage15, "stage2": Stage2} {
		got, err := ParseStage(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStage("3")
	assert.Error(t, err)
}

func TestProcessingOf(t *testing.T) {
	assert.True(t, StatusStage1Processing.ProcessingOf(Stage1))
	assert.True(t, StatusStage15Processing.ProcessingOf(Stage15))
	assert.True(t, StatusStage2Processing.ProcessingOf(Stage2))
	assert.False(t, StatusStage1Done.ProcessingOf(Stage1))
	assert.False(t, StatusStage1Processing.ProcessingOf(Stage2))
	assert.False(t, DocumentStatus("").ProcessingOf("stage9"))
}

func TestAuditFlags(t *testing.T) {
	var nilAudit *AuditResult
	assert.Nil(t, nilAudit.Flags())

	a := &AuditResult{HasSignature: true, BlankPages: []int{2}, Quality: "poor"}
	assert.Equal(t, []string{"signed", "blank-pages", "poor-scan"}, a.Flags())
}

func TestCanonizerConfigDefaults(t *testing.T) {
	cfg := CanonizerConfig{Workers: 4}.WithDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10, cfg.MaxAuditPages)

	assert.Zero(t, CanonizerConfig{MinConfidence: 0}.WithDefaults().MinConfidence)
	assert.Zero(t, CanonizerConfig{MinConfidence: -1}.WithDefaults().MinConfidence)
	assert.InDelta(t, 0.75, CanonizerConfig{MinConfidence: 0.75}.WithDefaults().MinConfidence, 1e-9)
}

func TestNewIDUnique(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
