package whisper

import "testing"

func TestNewRejectsEmptyModelPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty model path")
	}
}

func TestWithLanguage(t *testing.T) {
	p := &Provider{language: defaultLanguage}
	WithLanguage("de")(p)
	if p.language != "de" {
		t.Errorf("language = %q, want %q", p.language, "de")
	}
}

func TestName(t *testing.T) {
	p := &Provider{}
	if p.Name() != "whisper" {
		t.Errorf("Name() = %q, want %q", p.Name(), "whisper")
	}
}

func TestCloseWithoutModel(t *testing.T) {
	p := &Provider{}
	if err := p.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
