package httpapi

import (
	"errors"
	"testing"

	"emberly.app/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "empty", header: "", wantErr: auth.ErrMissingToken},
		{name: "standard", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "padded", header: "  Bearer abc  ", want: "abc"},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantErr: auth.ErrInvalidTokenFormat},
		{name: "scheme only", header: "Bearer ", wantErr: auth.ErrMissingToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestPublicPathsAreExact(t *testing.T) {
	if !isPublicPath("/v1/auth/login") {
		t.Fatal("login must be public")
	}
	if isPublicPath("/v1/auth/login/extra") {
		t.Fatal("sub-paths must not inherit publicness")
	}
	if isPublicPath("/v1/sessions") {
		t.Fatal("session management must be protected")
	}
}
