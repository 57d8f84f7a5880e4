// Package accounts manages marketplace users and their credentials: API key
// issue/verify/rotate/revoke, wallet linkage via signed challenges, and the
// audit log recording every sensitive mutation. All state lives in the
// platform registry document; every mutation runs through the registry's
// single update point so rotation is atomic (old key revoked and new key
// issued in a single write) and concurrent writers cannot drop each other's
// sections.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/internal/registry"
	"github.com/ferdiboxman/402claw-sub000/pkg/auth"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// ChallengeTTL bounds how long a wallet challenge stays signable
const ChallengeTTL = 5 * time.Minute

var (
	// ErrUserNotFound means no user matches the id or email
	ErrUserNotFound = errors.New("user_not_found")
	// ErrKeyNotFound means no API key matches
	ErrKeyNotFound = errors.New("api_key_not_found")
	// ErrKeyRevoked rejects operations on revoked keys
	ErrKeyRevoked = errors.New("api_key_revoked")
	// ErrInvalidKey rejects verification of unknown or malformed keys
	ErrInvalidKey = errors.New("invalid_api_key")
	// ErrChallengeNotFound means no wallet challenge matches
	ErrChallengeNotFound = errors.New("challenge_not_found")
	// ErrChallengeExpired rejects signatures on stale challenges
	ErrChallengeExpired = errors.New("challenge_expired")
	// ErrChallengeUsed rejects replay of a completed challenge
	ErrChallengeUsed = errors.New("challenge_used")
	// ErrBadSignature rejects signatures that do not recover the address
	ErrBadSignature = errors.New("signature_verification_failed")
	// ErrDuplicateEmail rejects registration with an existing email
	ErrDuplicateEmail = errors.New("email_already_registered")
)

// Service is the accounts layer over the platform registry document
type Service struct {
	registry *registry.Registry
	logger   *logrus.Logger
	now      func() time.Time
}

// NewService creates the accounts service
func NewService(reg *registry.Registry, logger *logrus.Logger) *Service {
	return &Service{registry: reg, logger: logger, now: time.Now}
}

// CreateUser registers a new user
func (s *Service) CreateUser(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.registry.UpdatePlatformState(ctx, func(state *registry.PlatformState) error {
		for i := range state.Users {
			if state.Users[i].Email == email {
				return ErrDuplicateEmail
			}
		}
		user = models.User{
			UserID:    uuid.New().String(),
			Email:     email,
			CreatedAt: s.now().UTC(),
		}
		state.Users = append(state.Users, user)
		s.audit(state, user.UserID, "user.create", user.UserID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser looks up a user by id
func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	state, err := s.registry.LoadPlatformState(ctx)
	if err != nil {
		return nil, err
	}
	if u := findUser(state, userID); u != nil {
		copied := *u
		return &copied, nil
	}
	return nil, ErrUserNotFound
}

// IssueAPIKey creates a key for a user and returns the plaintext exactly
// once. Only the hash is stored.
func (s *Service) IssueAPIKey(ctx context.Context, userID, name string, scopes []string) (string, *models.APIKey, error) {
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	var key models.APIKey
	err = s.registry.UpdatePlatformState(ctx, func(state *registry.PlatformState) error {
		if findUser(state, userID) == nil {
			return ErrUserNotFound
		}
		key = models.APIKey{
			KeyID:     uuid.New().String(),
			UserID:    userID,
			Name:      name,
			KeyHash:   hash,
			Scopes:    scopes,
			CreatedAt: s.now().UTC(),
		}
		state.APIKeys = append(state.APIKeys, key)
		s.audit(state, userID, "apikey.issue", key.KeyID, map[string]string{"name": name})
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return plaintext, &key, nil
}

// VerifyAPIKey resolves a plaintext key to its record and owning user
func (s *Service) VerifyAPIKey(ctx context.Context, plaintext string) (*models.APIKey, *models.User, error) {
	state, err := s.registry.LoadPlatformState(ctx)
	if err != nil {
		return nil, nil, err
	}

	for i := range state.APIKeys {
		key := &state.APIKeys[i]
		if !auth.VerifyAPIKey(plaintext, key.KeyHash) {
			continue
		}
		if key.Revoked() {
			return nil, nil, ErrKeyRevoked
		}
		user := findUser(state, key.UserID)
		if user == nil {
			return nil, nil, ErrUserNotFound
		}
		keyCopy := *key
		userCopy := *user
		return &keyCopy, &userCopy, nil
	}
	return nil, nil, ErrInvalidKey
}

// RevokeAPIKey marks a key revoked
func (s *Service) RevokeAPIKey(ctx context.Context, keyID string) error {
	return s.registry.UpdatePlatformState(ctx, func(state *registry.PlatformState) error {
		key := findKey(state, keyID)
		if key == nil {
			return ErrKeyNotFound
		}
		if key.Revoked() {
			return ErrKeyRevoked
		}

		now := s.now().UTC()
		key.RevokedAt = &now
		s.audit(state, key.UserID, "apikey.revoke", keyID, nil)
		return nil
	})
}

// RotateAPIKey revokes the old key and issues a replacement with the same
// name and scopes in a single registry write: no window exists where both
// or neither key is live in the stored document.
func (s *Service) RotateAPIKey(ctx context.Context, keyID string) (string, *models.APIKey, error) {
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	var replacement models.APIKey
	err = s.registry.UpdatePlatformState(ctx, func(state *registry.PlatformState) error {
		old := findKey(state, keyID)
		if old == nil {
			return ErrKeyNotFound
		}
		if old.Revoked() {
			return ErrKeyRevoked
		}

		now := s.now().UTC()
		old.RevokedAt = &now

		replacement = models.APIKey{
			KeyID:     uuid.New().String(),
			UserID:    old.UserID,
			Name:      old.Name,
			KeyHash:   hash,
			Scopes:    old.Scopes,
			CreatedAt: now,
		}
		state.APIKeys = append(state.APIKeys, replacement)
		s.audit(state, old.UserID, "apikey.rotate", keyID, map[string]string{"replacement": replacement.KeyID})
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return plaintext, &replacement, nil
}

// CreateWalletChallenge starts wallet linkage: the returned message must be
// signed by the key controlling the claimed address within ChallengeTTL.
func (s *Service) CreateWalletChallenge(ctx context.Context, userID, address string) (*models.WalletChallenge, error) {
	normalized, err := auth.NormalizeEthAddress(address)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}

	var challenge models.WalletChallenge
	err = s.registry.UpdatePlatformState(ctx, func(state *registry.PlatformState) error {
		if findUser(state, userID) == nil {
			return ErrUserNotFound
		}

		nonce := uuid.New().String()
		now := s.now().UTC()
		challenge = models.WalletChallenge{
			ChallengeID: uuid.New().String(),
			UserID:      userID,
			Address:     normalized,
			Nonce:       nonce,
			Message:     auth.GenerateWalletAuthMessage(nonce),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ChallengeTTL),
		}
		state.WalletChallenges = append(state.WalletChallenges, challenge)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// CompleteWalletChallenge verifies the signature over the challenge message
// and records the address on the user. A challenge is single-use.
func (s *Service) CompleteWalletChallenge(ctx context.Context, challengeID, signature string) (*models.User, error) {
	var userCopy models.User
	err := s.registry.UpdatePlatformState(ctx, func(state *registry.PlatformState) error {
		var challenge *models.WalletChallenge
		for i := range state.WalletChallenges {
			if state.WalletChallenges[i].ChallengeID == challengeID {
				challenge = &state.WalletChallenges[i]
				break
			}
		}
		if challenge == nil {
			return ErrChallengeNotFound
		}
		if challenge.UsedAt != nil {
			return ErrChallengeUsed
		}
		now := s.now().UTC()
		if now.After(challenge.ExpiresAt) {
			return ErrChallengeExpired
		}

		ok, err := auth.VerifyEthSignature(challenge.Address, challenge.Message, signature)
		if err != nil || !ok {
			return ErrBadSignature
		}

		user := findUser(state, challenge.UserID)
		if user == nil {
			return ErrUserNotFound
		}

		challenge.UsedAt = &now
		user.WalletAddress = challenge.Address
		s.audit(state, user.UserID, "wallet.link", challenge.Address, nil)
		userCopy = *user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &userCopy, nil
}

// AuditEvents returns the most recent audit events, newest last
func (s *Service) AuditEvents(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	state, err := s.registry.LoadPlatformState(ctx)
	if err != nil {
		return nil, err
	}
	events := state.AuditEvents
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	out := make([]models.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Service) audit(state *registry.PlatformState, userID, action, subject string, details map[string]string) {
	state.AuditEvents = append(state.AuditEvents, models.AuditEvent{
		EventID:   uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Subject:   subject,
		Details:   details,
		CreatedAt: s.now().UTC(),
	})
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"action":  action,
			"subject": subject,
		}).Info("audit event recorded")
	}
}

func findUser(state *registry.PlatformState, userID string) *models.User {
	for i := range state.Users {
		if state.Users[i].UserID == userID {
			return &state.Users[i]
		}
	}
	return nil
}

func findKey(state *registry.PlatformState, keyID string) *models.APIKey {
	for i := range state.APIKeys {
		if state.APIKeys[i].KeyID == keyID {
			return &state.APIKeys[i]
		}
	}
	return nil
}
