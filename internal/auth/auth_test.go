package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			err := (StaticToken{Token: tc.stored}).Validate("muxctl", tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPeerTokens(t *testing.T) {
	testlog.Start(t)
	v := PeerTokens{"muxctl": "abc", "blank": ""}
	if err := v.Validate("muxctl", "abc"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := v.Validate("muxctl", "abd"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong token, got %v", err)
	}
	if err := v.Validate("stranger", "abc"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown peer, got %v", err)
	}
	if err := v.Validate("blank", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for empty stored token, got %v", err)
	}
}

func TestFuncValidatorAndAllowAll(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(peer, token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("p", "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("p", "ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
	if err := (AllowAll{}).Validate("", ""); err != nil {
		t.Fatalf("AllowAll denied: %v", err)
	}
}
