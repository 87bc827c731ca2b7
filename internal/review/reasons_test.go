package review

import "testing"

func TestReasonParser_Parse(t *testing.T) {
	t.Parallel()
	p := NewReasonParser()
	tests := []struct {
		text        string
		want        Reason
		wantMatched bool
	}{
		{text: "echo", want: ReasonEcho, wantMatched: true},
		{text: "Voice-Shift", want: ReasonVoiceShift, wantMatched: true},
		{text: "sounds echoey", want: ReasonEcho, wantMatched: true},
		{text: "lots of reverb", want: ReasonEcho, wantMatched: true},
		{text: "clipped at the end", want: ReasonCutShort, wantMatched: true},
		{text: "truncatd", want: ReasonCutShort, wantMatched: true},
		{text: "background static", want: ReasonHiss, wantMatched: true},
		{text: "way too slow", want: ReasonPace, wantMatched: true},
		{text: "rushed", want: ReasonPace, wantMatched: true},
		{text: "weird accent", want: ReasonVoiceShift, wantMatched: true},
		{text: "I don't like it", want: ReasonOther, wantMatched: false},
		{text: "", want: ReasonOther, wantMatched: false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got, matched := p.Parse(tt.text)
			if got != tt.want || matched != tt.wantMatched {
				t.Errorf("Parse(%q) = %q, %v; want %q, %v", tt.text, got, matched, tt.want, tt.wantMatched)
			}
		})
	}
}

func TestReasonIsValid(t *testing.T) {
	t.Parallel()
	for _, r := range Reasons {
		if !r.IsValid() {
			t.Errorf("%q not valid", r)
		}
	}
	if Reason("loud").IsValid() {
		t.Error("unknown reason reported valid")
	}
}
