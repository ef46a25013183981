package auth

import "testing"

func TestVerify_CorrectResponse(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	secret := "top-secret"
	resp := Respond(secret, salt)

	if !Verify(secret, salt, resp) {
		t.Error("expected correct response to verify")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	salt, _ := NewSalt()
	resp := Respond("correct-secret", salt)

	if Verify("wrong-secret", salt, resp) {
		t.Error("expected verification to fail with wrong secret")
	}
}

func TestVerify_WrongSalt(t *testing.T) {
	salt, _ := NewSalt()
	resp := Respond("secret", salt)

	if Verify("secret", "different-salt", resp) {
		t.Error("expected verification to fail with mismatched salt")
	}
}

func TestNewSalt_Unique(t *testing.T) {
	a, _ := NewSalt()
	b, _ := NewSalt()
	if a == b {
		t.Error("expected distinct salts across calls")
	}
}
