package accounts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/ferdiboxman/402claw-sub000/internal/registry"
	"github.com/ferdiboxman/402claw-sub000/pkg/auth"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := registry.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store setup failed: %v", err)
	}
	return NewService(registry.New(store), nil)
}

func TestCreateUserAndDuplicateEmail(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if user.UserID == "" {
		t.Fatal("expected user id")
	}

	if _, err := s.CreateUser(ctx, "alice@example.com"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	plaintext, key, err := s.IssueAPIKey(ctx, user.UserID, "ci", []string{"platform:read"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "claw_") {
		t.Fatalf("expected claw_ prefix, got %s", plaintext)
	}
	if key.KeyHash == plaintext || strings.Contains(key.KeyHash, plaintext) {
		t.Fatal("plaintext must not be stored")
	}

	gotKey, gotUser, err := s.VerifyAPIKey(ctx, plaintext)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if gotKey.KeyID != key.KeyID || gotUser.UserID != user.UserID {
		t.Fatalf("verify resolved wrong identity: %s/%s", gotKey.KeyID, gotUser.UserID)
	}
	if !gotKey.HasScope("platform:read") {
		t.Fatal("expected scope on verified key")
	}

	if _, _, err := s.VerifyAPIKey(ctx, "claw_bogus"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}

	if err := s.RevokeAPIKey(ctx, key.KeyID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, _, err := s.VerifyAPIKey(ctx, plaintext); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("expected ErrKeyRevoked, got %v", err)
	}
	if err := s.RevokeAPIKey(ctx, key.KeyID); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("double revoke should fail, got %v", err)
	}
}

func TestRotateAPIKeyAtomic(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	oldPlaintext, oldKey, err := s.IssueAPIKey(ctx, user.UserID, "deploy", []string{"deploy:write"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	newPlaintext, newKey, err := s.RotateAPIKey(ctx, oldKey.KeyID)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if newKey.Name != oldKey.Name {
		t.Fatalf("rotation must preserve name, got %s", newKey.Name)
	}
	if !newKey.HasScope("deploy:write") {
		t.Fatal("rotation must preserve scopes")
	}

	if _, _, err := s.VerifyAPIKey(ctx, oldPlaintext); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("old key must be revoked, got %v", err)
	}
	if _, _, err := s.VerifyAPIKey(ctx, newPlaintext); err != nil {
		t.Fatalf("new key must verify: %v", err)
	}

	if _, _, err := s.RotateAPIKey(ctx, oldKey.KeyID); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("rotating a revoked key should fail, got %v", err)
	}
}

// signChallenge produces an EIP-191 personal_sign signature over the message
func signChallenge(t *testing.T, priv *btcec.PrivateKey, message string) string {
	t.Helper()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := auth.Keccak256([]byte(prefixed))

	compact := ecdsa.SignCompact(priv, hash, false)
	// btcec compact layout is V|R|S; the wire layout is R|S|V
	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

func ethAddress(t *testing.T, priv *btcec.PrivateKey) string {
	t.Helper()
	uncompressed := priv.PubKey().SerializeUncompressed()
	hash := auth.Keccak256(uncompressed[1:])
	addr, err := auth.NormalizeEthAddress("0x" + hex.EncodeToString(hash[12:]))
	if err != nil {
		t.Fatalf("address derivation failed: %v", err)
	}
	return addr
}

func TestWalletChallengeFlow(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	address := ethAddress(t, priv)

	user, err := s.CreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	challenge, err := s.CreateWalletChallenge(ctx, user.UserID, address)
	if err != nil {
		t.Fatalf("challenge creation failed: %v", err)
	}
	if challenge.Nonce == "" || challenge.Message == "" {
		t.Fatalf("challenge missing nonce or message: %+v", challenge)
	}

	// Wrong key must not link
	otherPriv, _ := btcec.NewPrivateKey()
	if _, err := s.CompleteWalletChallenge(ctx, challenge.ChallengeID, signChallenge(t, otherPriv, challenge.Message)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	linked, err := s.CompleteWalletChallenge(ctx, challenge.ChallengeID, signChallenge(t, priv, challenge.Message))
	if err != nil {
		t.Fatalf("challenge completion failed: %v", err)
	}
	if linked.WalletAddress != address {
		t.Fatalf("expected %s linked, got %s", address, linked.WalletAddress)
	}

	// Single use
	if _, err := s.CompleteWalletChallenge(ctx, challenge.ChallengeID, signChallenge(t, priv, challenge.Message)); !errors.Is(err, ErrChallengeUsed) {
		t.Fatalf("expected ErrChallengeUsed, got %v", err)
	}
}

func TestWalletChallengeExpiry(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	user, err := s.CreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	challenge, err := s.CreateWalletChallenge(ctx, user.UserID, ethAddress(t, priv))
	if err != nil {
		t.Fatalf("challenge creation failed: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(ChallengeTTL + time.Minute) }
	if _, err := s.CompleteWalletChallenge(ctx, challenge.ChallengeID, signChallenge(t, priv, challenge.Message)); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	_, key, err := s.IssueAPIKey(ctx, user.UserID, "ci", nil)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := s.RevokeAPIKey(ctx, key.KeyID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	events, err := s.AuditEvents(ctx, 0)
	if err != nil {
		t.Fatalf("audit read failed: %v", err)
	}
	actions := make([]string, len(events))
	for i, e := range events {
		actions[i] = e.Action
	}
	want := []string{"user.create", "apikey.issue", "apikey.revoke"}
	if len(actions) != len(want) {
		t.Fatalf("expected %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, actions)
		}
	}

	limited, err := s.AuditEvents(ctx, 1)
	if err != nil {
		t.Fatalf("audit read failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Action != "apikey.revoke" {
		t.Fatalf("expected newest event, got %+v", limited)
	}
}
