package model_test

import (
	"testing"

	"github.com/cindervm/cinder/internal/model"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Language
		wantErr bool
	}{
		{in: "python", want: model.LanguagePython},
		{in: "rust", want: model.LanguageRust},
		{in: "typescript", want: model.LanguageTypeScript},
		{in: "", wantErr: true},
		{in: "Python", wantErr: true},
		{in: "javascript", wantErr: true},
	}

	for _, tt := range tests {
		got, err := model.ParseLanguage(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLanguage(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLanguage(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLanguage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLanguageExtension(t *testing.T) {
	tests := []struct {
		lang model.Language
		want string
	}{
		{model.LanguagePython, ".py"},
		{model.LanguageTypeScript, ".ts"},
		{model.LanguageRust, ".rs"},
		{model.Language("unknown"), ""},
	}

	for _, tt := range tests {
		if got := tt.lang.Extension(); got != tt.want {
			t.Errorf("%s.Extension() = %q, want %q", tt.lang, got, tt.want)
		}
	}
}

func TestNewVMID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := model.NewVMID()
		if len(id) != 8 {
			t.Fatalf("NewVMID() = %q, want 8 characters", id)
		}
		// TAP names are "tap" + id and must fit in IFNAMSIZ (15 bytes).
		if len("tap"+id) > 15 {
			t.Fatalf("tap name for %q exceeds IFNAMSIZ", id)
		}
		if seen[id] {
			t.Fatalf("NewVMID() repeated %q", id)
		}
		seen[id] = true
	}
}
