package utils

import "testing"

func TestJwtGenerateAndValidate(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	t.Setenv("TOKEN_HOUR_LIFESPAN", "1")

	token, err := JwtGenerate(7, "Aye", "org-1", "supervisor")
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	claim, err := JwtValidate(token)
	if err != nil {
		t.Fatalf("JwtValidate: %v", err)
	}
	if claim.UserId != 7 || claim.OrganizationId != "org-1" || claim.Role != "supervisor" {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	t.Setenv("API_SECRET", "other-secret")
	if _, err := JwtValidate(token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}
