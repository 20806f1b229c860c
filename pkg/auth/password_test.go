package auth

import (
	"strings"
	"testing"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("Cl1nic#Notes")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("hash %q is not bcrypt", hash)
	}
	if !CheckPassword("Cl1nic#Notes", hash) {
		t.Fatal("correct password rejected")
	}
	if CheckPassword("cl1nic#notes", hash) {
		t.Fatal("wrong password accepted")
	}
	if CheckPassword("Cl1nic#Notes", "not-a-hash") {
		t.Fatal("garbage hash accepted")
	}
}

func TestValidatePassword(t *testing.T) {
	cases := map[string]struct {
		password string
		wantErr  string
	}{
		"valid":         {password: "Str0ng!Passw0rd"},
		"unicode upper": {password: "Ärzt3-bericht"},
		"too short":     {password: "Sh0rt!a", wantErr: "at least"},
		"too long":      {password: "Aa1!" + strings.Repeat("x", 70), wantErr: "at most"},
		"no upper":      {password: "lowercase123!", wantErr: "uppercase"},
		"no lower":      {password: "UPPERCASE123!", wantErr: "lowercase"},
		"no digit":      {password: "NoDigitsHere!", wantErr: "digit"},
		"no special":    {password: "NoSpecials1234", wantErr: "special"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
