// Package auth issues single-use publish tokens. A token is bound to one
// stream key and is consumed by the publish policy.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"mediakit/pkg/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired or already used")
	ErrWrongStream  = errors.New("token not valid for this stream")
)

// Manager handles publish tokens
type Manager struct {
	tokens map[string]*models.PublishToken // token -> PublishToken
	mu     sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration
}

// New creates a new auth manager
func New() *Manager {
	return &Manager{
		tokens:            make(map[string]*models.PublishToken),
		defaultExpiration: 1 * time.Hour,
		maxExpiration:     24 * time.Hour,
	}
}

// GeneratePublishToken creates a token allowing one publish to key.
// expiresIn is in seconds; 0 selects the default of one hour.
func (m *Manager) GeneratePublishToken(key models.StreamKey, expiresIn int, publisherIP string) (*models.PublishToken, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: incomplete stream key %s", ErrInvalidToken, key)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	tokenString := hex.EncodeToString(tokenBytes)

	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := time.Now()
	token := &models.PublishToken{
		Token:       tokenString,
		Key:         key,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiration),
		PublisherIP: publisherIP,
	}

	m.mu.Lock()
	m.tokens[tokenString] = token
	m.mu.Unlock()
	return token, nil
}

// ValidateToken checks if a token is valid for publishing to key
func (m *Manager) ValidateToken(tokenString string, key models.StreamKey) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(tokenString, key)
}

func (m *Manager) check(tokenString string, key models.StreamKey) error {
	token, exists := m.tokens[tokenString]
	if !exists {
		return ErrInvalidToken
	}
	if !token.IsValid() {
		return ErrTokenExpired
	}
	if token.Key != key {
		return ErrWrongStream
	}
	return nil
}

// Consume validates the token and marks it used in one step
func (m *Manager) Consume(tokenString string, key models.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(tokenString, key); err != nil {
		return err
	}
	m.tokens[tokenString].IsUsed = true
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes expired and used tokens
func (m *Manager) CleanupExpiredTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for tokenString, token := range m.tokens {
		if token.IsUsed || now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
		}
	}
}

// Run cleans up tokens every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpiredTokens()
		}
	}
}

// GetTokenCount returns the number of stored tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
