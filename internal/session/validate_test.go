package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "/tmp/cs")

	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"work123", false},
		{"team-chat", false},
		{"team_chat", false},
		{"a", false},
		{strings.Repeat("a", 64), false},
		{"", true},
		{"-leading", true},
		{"_leading", true},
		{"Main", true},
		{"my session", true},
		{"my.session", true},
		{"../escape", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("error %v does not wrap ErrInvalidName", err)
			}
		})
	}
}

func TestValidateNameSocketLimit(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "/tmp/"+strings.Repeat("x", 40))
	if err := ValidateName(strings.Repeat("a", 64)); err == nil {
		t.Error("expected socket path limit error")
	}
	if err := ValidateName("main"); err != nil {
		t.Errorf("short name rejected: %v", err)
	}
}
