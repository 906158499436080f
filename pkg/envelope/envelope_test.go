package envelope

import (
	"bytes"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid long key",
			key:     make([]byte, 64),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := New(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && env == nil {
				t.Error("New() returned nil without error")
			}
		})
	}
}

func TestNewFromPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "valid password",
			password: "my-secure-password",
			wantErr:  false,
		},
		{
			name:     "empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFromPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	env, err := NewFromPassword("test-password")
	if err != nil {
		t.Fatalf("NewFromPassword() error = %v", err)
	}

	token := []byte("shhh-marketplace-access-token")

	sealed, err := env.Seal(token)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if bytes.Equal(sealed, token) {
		t.Error("Seal() did not transform plaintext")
	}

	opened, err := env.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if !bytes.Equal(opened, token) {
		t.Errorf("Open() = %q, want %q", opened, token)
	}
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	env, _ := NewFromPassword("test-password")
	if _, err := env.Seal(nil); err == nil {
		t.Error("Seal() expected error for empty plaintext")
	}
}

func TestOpen_EmptyCiphertext(t *testing.T) {
	env, _ := NewFromPassword("test-password")
	if _, err := env.Open(nil); err == nil {
		t.Error("Open() expected error for empty ciphertext")
	}
}

func TestOpen_Tampered(t *testing.T) {
	env, _ := NewFromPassword("test-password")

	sealed, err := env.Seal([]byte("token"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := env.Open(sealed); err == nil {
		t.Error("Open() expected error for tampered ciphertext")
	}
}

func TestNewWebhookSecret(t *testing.T) {
	a, err := NewWebhookSecret()
	if err != nil {
		t.Fatalf("NewWebhookSecret() error = %v", err)
	}
	b, err := NewWebhookSecret()
	if err != nil {
		t.Fatalf("NewWebhookSecret() error = %v", err)
	}

	if a == b {
		t.Error("NewWebhookSecret() produced identical secrets")
	}
	if len(a) == 0 {
		t.Error("NewWebhookSecret() returned empty secret")
	}
}
