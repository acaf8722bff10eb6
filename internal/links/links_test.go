package links

import (
	"reflect"
	"testing"

	"collabdocs/api/internal/store"
)

func TestExtract(t *testing.T) {
	blocks := []store.Block{
		{Type: "text", Content: "See [[Project Plan]] and [[meeting-notes]]."},
		{Type: "text", Content: "Again [[project plan]] plus [[Roadmap]]"},
		{Type: "todo", Content: `{"text":"ignore [[Not A Link]]","checked":false}`},
		{Type: "text", Content: "Styled <b>[[Bold&nbsp;Target]]</b> here"},
	}

	got := Extract(blocks)
	want := []string{"Project Plan", "meeting-notes", "Roadmap", "Bold Target"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract() = %v, want %v", got, want)
	}
}

func TestExtractEmptyAndMalformed(t *testing.T) {
	blocks := []store.Block{
		{Type: "text", Content: "no links here"},
		{Type: "text", Content: "unclosed [[dangling"},
		{Type: "text", Content: "empty [[ ]] target"},
	}
	if got := Extract(blocks); len(got) != 0 {
		t.Errorf("expected no targets, got %v", got)
	}
}

func TestResolve(t *testing.T) {
	docs := []store.Document{
		{ID: 1, Title: "Project Plan", Slug: "project-plan"},
		{ID: 2, Title: "Roadmap", Slug: "roadmap"},
		{ID: 3, Title: "roadmap", Slug: "roadmap-1"},
	}

	tests := []struct {
		target string
		wantID int64
	}{
		{"project plan", 1},
		{"PROJECT-PLAN", 1},  // slug match after title misses
		{"Roadmap", 2},       // first title match wins
		{"roadmap-1", 3},     // slug fallback
		{"No Such Page", 0},  // dangling
	}
	for _, tt := range tests {
		got := Resolve(tt.target, docs)
		if got.DocID != tt.wantID {
			t.Errorf("Resolve(%q).DocID = %d, want %d", tt.target, got.DocID, tt.wantID)
		}
	}
}

func TestStripHTML(t *testing.T) {
	got := StripHTML("<b>Bold &amp; <i>nested</i></b> text")
	if got != "Bold & nested text" {
		t.Errorf("StripHTML() = %q", got)
	}
}
