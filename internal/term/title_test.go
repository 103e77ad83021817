package term

import "testing"

func TestParseTitle(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  string
		ok    bool
	}{
		{
			name:  "osc 0 with bel",
			chunk: "\x1b]0;vim main.go\x07",
			want:  "vim main.go",
			ok:    true,
		},
		{
			name:  "osc 2 with st",
			chunk: "\x1b]2;htop\x1b\\",
			want:  "htop",
			ok:    true,
		},
		{
			name:  "last of several wins",
			chunk: "\x1b]0;first\x07middle\x1b]2;second\x07",
			want:  "second",
			ok:    true,
		},
		{
			name:  "osc 1 ignored",
			chunk: "\x1b]1;icon\x07",
			ok:    false,
		},
		{
			name:  "no sequence",
			chunk: "plain output",
			ok:    false,
		},
		{
			name:  "empty title",
			chunk: "\x1b]0;\x07",
			want:  "",
			ok:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, carry := ParseTitle(tt.chunk, "")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("title = %q, want %q", got, tt.want)
			}
			if carry != "" {
				t.Errorf("unexpected carry %q", carry)
			}
		})
	}
}

func TestParseTitleCarry(t *testing.T) {
	_, ok, carry := ParseTitle("before\x1b]2;par", "")
	if ok {
		t.Fatal("incomplete sequence should not produce a title")
	}
	if carry != "\x1b]2;par" {
		t.Fatalf("carry = %q", carry)
	}

	title, ok, carry2 := ParseTitle("tial title\x07after", carry)
	if !ok || title != "partial title" {
		t.Fatalf("title = %q ok=%v", title, ok)
	}
	if carry2 != "" {
		t.Fatalf("carry should clear, got %q", carry2)
	}
}

func TestParseTitleCarriesBareIntroducer(t *testing.T) {
	for _, suffix := range []string{"\x1b", "\x1b]", "\x1b]0", "\x1b]2"} {
		_, ok, carry := ParseTitle("text"+suffix, "")
		if ok {
			t.Fatalf("suffix %q: no complete title expected", suffix)
		}
		if carry != suffix {
			t.Fatalf("suffix %q: carry = %q", suffix, carry)
		}
	}
}

func TestParseTitleCompleteAndPartial(t *testing.T) {
	title, ok, carry := ParseTitle("\x1b]0;done\x07\x1b]2;not yet", "")
	if !ok || title != "done" {
		t.Fatalf("title = %q ok=%v", title, ok)
	}
	if carry != "\x1b]2;not yet" {
		t.Fatalf("carry = %q", carry)
	}
}

func TestInputMarkerFormat(t *testing.T) {
	m := InputMarker("api", 1700000000123)
	want := "\x1b]133;ts:api;t=1700000000123\x07"
	if m != want {
		t.Fatalf("marker = %q, want %q", m, want)
	}
}

func TestStripANSIRemovesMarkers(t *testing.T) {
	history := "ls\r\n" + InputMarker("user", 42) + "file.txt\r\n\x1b[1mdone\x1b[0m"
	got := StripANSI(history)
	want := "ls\r\nfile.txt\r\ndone"
	if got != want {
		t.Fatalf("stripped = %q, want %q", got, want)
	}
}
