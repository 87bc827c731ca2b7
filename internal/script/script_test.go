package script

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()

	const def = 800 * time.Millisecond
	type seg struct {
		text    string
		silence time.Duration
	}
	tests := []struct {
		name     string
		script   string
		minChars int
		want     []seg
	}{
		{
			name:   "paragraphs get default pause",
			script: "Welcome back.\n\nTonight we walk\nthrough the forest.\n\nGood night.\n",
			want: []seg{
				{"Welcome back.", def},
				{"Tonight we walk through the forest.", def},
				{"Good night.", 0},
			},
		},
		{
			name:   "marker on its own line",
			script: "Breathe in.\n[pause 3s]\nBreathe out.\n",
			want: []seg{
				{"Breathe in.", 3 * time.Second},
				{"Breathe out.", 0},
			},
		},
		{
			name:   "inline marker splits a paragraph",
			script: "Breathe in. [pause 1.5s] Breathe out.",
			want: []seg{
				{"Breathe in.", 1500 * time.Millisecond},
				{"Breathe out.", 0},
			},
		},
		{
			name:   "consecutive markers add",
			script: "One.\n[pause 1s]\n[PAUSE 500ms]\n\nTwo.",
			want: []seg{
				{"One.", 1500 * time.Millisecond},
				{"Two.", 0},
			},
		},
		{
			name:   "bare seconds",
			script: "One. [pause 2] Two.",
			want: []seg{
				{"One.", 2 * time.Second},
				{"Two.", 0},
			},
		},
		{
			name:     "short paragraphs merge forward",
			script:   "Hi.\n\nThis is a longer paragraph.\n\nEnd of the story here.",
			minChars: 10,
			want: []seg{
				{"Hi. This is a longer paragraph.", def},
				{"End of the story here.", 0},
			},
		},
		{
			name:     "marker prevents merging",
			script:   "Hi.\n[pause 2s]\nThis is a longer paragraph.",
			minChars: 10,
			want: []seg{
				{"Hi.", 2 * time.Second},
				{"This is a longer paragraph.", 0},
			},
		},
		{
			name:     "trailing short paragraph kept",
			script:   "This is a longer paragraph.\n\nBye.",
			minChars: 10,
			want: []seg{
				{"This is a longer paragraph.", def},
				{"Bye.", 0},
			},
		},
		{
			name:   "leading and trailing markers",
			script: "[pause 5s]\nOnly line.\n[pause 2s]",
			want: []seg{
				{"Only line.", 0},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			segs, err := Parse(strings.NewReader(tc.script), Options{DefaultPause: def, MinSegmentChars: tc.minChars})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(segs) != len(tc.want) {
				t.Fatalf("got %d segments %+v, want %d", len(segs), segs, len(tc.want))
			}
			for i, w := range tc.want {
				s := segs[i]
				if s.Index != i || s.Text != w.text || s.SilenceAfter != w.silence {
					t.Errorf("segment %d = {%d %q %s}, want {%d %q %s}", i, s.Index, s.Text, s.SilenceAfter, i, w.text, w.silence)
				}
				if s.CharCount != len([]rune(w.text)) {
					t.Errorf("segment %d CharCount = %d", i, s.CharCount)
				}
				if s.IsOpening != (i == 0) || s.IsClosing != (i == len(tc.want)-1) {
					t.Errorf("segment %d role flags opening=%v closing=%v", i, s.IsOpening, s.IsClosing)
				}
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Parse(strings.NewReader("\n\n  \n[pause 1s]\n"), Options{}); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty script err = %v, want ErrEmpty", err)
	}
	_, err := Parse(strings.NewReader("One.\n[pause soon]\nTwo."), Options{})
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("bad marker err = %v, want error naming line 2", err)
	}
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "script.txt")
	if err := os.WriteFile(path, []byte("Hello.\n\nWorld."), 0o644); err != nil {
		t.Fatal(err)
	}
	segs, err := ParseFile(path, Options{DefaultPause: time.Second})
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(segs) != 2 || segs[0].SilenceAfter != time.Second {
		t.Errorf("segments = %+v", segs)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.txt"), Options{}); err == nil {
		t.Error("expected error for missing file")
	}
}
