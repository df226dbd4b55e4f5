package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
)

func TestIssueAndParse(t *testing.T) {
	want := domain.Identity{Subject: "u-1", DisplayName: "Ana", Email: "ana@example.com"}
	tok, err := Issue(want, "secret", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := TokenProvider{Token: tok, Secret: "secret"}.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseRejects(t *testing.T) {
	good, _ := Issue(domain.Identity{Subject: "u"}, "secret", time.Hour)
	expired, _ := Issue(domain.Identity{Subject: "u"}, "secret", -time.Minute)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"wrong secret", good, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"garbage", "not-a-token", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret := "secret"
			if tt.name == "wrong secret" {
				secret = "other"
			}
			if _, err := Parse(tt.token, secret); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}
