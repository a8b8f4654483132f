package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{name: "pads short", in: "abc", width: 6, want: "abc   "},
		{name: "exact", in: "abcdef", width: 6, want: "abcdef"},
		{name: "truncates long", in: "abcdefgh", width: 6, want: "abcde…"},
		{name: "zero width untouched", in: "abc", width: 0, want: "abc"},
		{name: "collapses whitespace", in: "a\n  b", width: 5, want: "a b  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, fit(tt.in, tt.width))
		})
	}
}

func TestFit_WideRunes(t *testing.T) {
	t.Parallel()

	got := fit("注文エクスポート機能", 10)

	assert.Equal(t, 10, runewidth.StringWidth(got))
	assert.True(t, strings.HasSuffix(strings.TrimRight(got, " "), "…"))
}

func TestRelativeTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{name: "zero", t: time.Time{}, want: "-"},
		{name: "seconds", t: now.Add(-30 * time.Second), want: "just now"},
		{name: "one minute", t: now.Add(-time.Minute), want: "1 minute ago"},
		{name: "minutes", t: now.Add(-5 * time.Minute), want: "5 minutes ago"},
		{name: "hours", t: now.Add(-3 * time.Hour), want: "3 hours ago"},
		{name: "days", t: now.Add(-48 * time.Hour), want: "2 days ago"},
		{name: "old", t: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), want: "Jan 2, 2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, relativeTime(tt.t, now))
		})
	}
}

func TestHeading(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Critical Path", heading("critical path"))
	assert.Equal(t, "Final Review", heading("final_review"))
}

func TestTable_AlignsColumns(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	buf := new(bytes.Buffer)
	tb := newTable(buf, column{title: "ID", width: 4}, column{title: "NAME"})
	tb.header()
	tb.row("a", "first")
	tb.row("abcdefg", "second")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID   NAME", lines[0])
	assert.Equal(t, "a    first", lines[1])
	assert.Equal(t, "abc… second", lines[2])
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	require.NoError(t, writeJSON(buf, map[string]int{"n": 1}))
	assert.JSONEq(t, `{"n":1}`, buf.String())
}
