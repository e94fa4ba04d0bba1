// Copyright 2025 FlowGrid
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TokenLifetime is the validity window of issued tokens.
const TokenLifetime = 24 * time.Hour

// PolicyRule is one allow-list entry. Resource supports a trailing "*"
// wildcard. Everything not matched by a rule is denied.
type PolicyRule struct {
	Role     string `yaml:"role" json:"role"`
	Resource string `yaml:"resource" json:"resource"`
	Action   string `yaml:"action" json:"action"`
}

// PolicyGate verifies caller identity and authorizes actions against a
// declarative rule set. All checks happen synchronously on the request
// path, before any workflow state changes; the async dispatch loop never
// consults it.
//
// The revocation set lives in Redis with a TTL equal to the revoked
// token's remaining lifetime, which bounds memory. When Redis is
// unavailable the gate falls back to an in-process set with the same TTL
// semantics.
type PolicyGate struct {
	secret []byte
	rules  []PolicyRule
	rdb    *redis.Client

	mu      sync.RWMutex
	revoked map[string]time.Time // token_id -> expiry, fallback set
}

// NewPolicyGate creates a gate with the given HS256 signing secret and rule
// set. rdb may be nil; revocations then stay in process.
func NewPolicyGate(secret string, rules []PolicyRule, rdb *redis.Client) *PolicyGate {
	return &PolicyGate{
		secret:  []byte(secret),
		rules:   rules,
		rdb:     rdb,
		revoked: make(map[string]time.Time),
	}
}

// DefaultPolicyRules is the rule set used when no policy file is supplied:
// operators can do everything, members can manage and read their own
// workflows and browse agents.
func DefaultPolicyRules() []PolicyRule {
	return []PolicyRule{
		{Role: "operator", Resource: "*", Action: "*"},
		{Role: "member", Resource: "workflows*", Action: "execute"},
		{Role: "member", Resource: "workflows*", Action: "read"},
		{Role: "member", Resource: "agents*", Action: "read"},
		{Role: "member", Resource: "analytics*", Action: "read"},
	}
}

// IssueToken mints a signed token for the subject. The token carries a
// unique token_id so it can be revoked individually.
func (g *PolicyGate) IssueToken(subjectID string, roles []string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      subjectID,
		"roles":    roles,
		"token_id": uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(TokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies a bearer token and extracts the caller identity.
// Fail-closed: any verification error, an expired exp claim, or a revoked
// token_id yields ErrUnauthenticated.
func (g *PolicyGate) Authenticate(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: malformed claims", ErrUnauthenticated)
	}

	sub, _ := claims["sub"].(string)
	tokenID, _ := claims["token_id"].(string)
	if sub == "" || tokenID == "" {
		return nil, fmt.Errorf("%w: missing subject or token_id", ErrUnauthenticated)
	}

	expUnix, ok := claims["exp"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing expiry", ErrUnauthenticated)
	}
	expiresAt := time.Unix(int64(expUnix), 0)
	if time.Now().After(expiresAt) {
		return nil, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}

	revoked, err := g.isRevoked(ctx, tokenID)
	if err != nil {
		// Fail closed: if the revocation set cannot be consulted the
		// token is rejected.
		return nil, fmt.Errorf("%w: revocation check failed: %v", ErrUnauthenticated, err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	}

	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	return &Identity{
		SubjectID: sub,
		Roles:     roles,
		ExpiresAt: expiresAt,
		TokenID:   tokenID,
	}, nil
}

// Authorize evaluates the rule set for the identity. Default deny.
func (g *PolicyGate) Authorize(identity *Identity, resource, action string) bool {
	if identity == nil {
		return false
	}
	for _, rule := range g.rules {
		if rule.Role != "*" && !identity.HasRole(rule.Role) {
			continue
		}
		if !matchResource(rule.Resource, resource) {
			continue
		}
		if rule.Action != "*" && rule.Action != action {
			continue
		}
		return true
	}
	return false
}

// Revoke adds a token to the revocation set with a TTL equal to the token's
// remaining lifetime.
func (g *PolicyGate) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; Authenticate rejects it on the exp claim.
		return nil
	}

	if g.rdb != nil {
		if err := g.rdb.Set(ctx, revocationKey(tokenID), "1", ttl).Err(); err != nil {
			log.Printf("[PolicyGate] Redis revoke failed, falling back to memory: %v", err)
		} else {
			return nil
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked[tokenID] = expiresAt
	return nil
}

func (g *PolicyGate) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	if g.rdb != nil {
		n, err := g.rdb.Exists(ctx, revocationKey(tokenID)).Result()
		if err == nil {
			if n > 0 {
				return true, nil
			}
			// Fall through to the memory set: revocations recorded while
			// Redis was down still count.
		} else {
			log.Printf("[PolicyGate] Redis revocation check failed, using memory set: %v", err)
		}
	}

	g.mu.RLock()
	expiry, ok := g.revoked[tokenID]
	g.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		g.mu.Lock()
		delete(g.revoked, tokenID)
		g.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func revocationKey(tokenID string) string {
	return "revoked:" + tokenID
}

// matchResource matches a rule resource pattern against a concrete resource.
// A trailing "*" matches any suffix; "*" alone matches everything.
func matchResource(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == resource
}

// ============================================================
// User accounts (registration / login)
// ============================================================

// UserStore persists user accounts for the register/login endpoints.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (string, error)
	GetUser(ctx context.Context, username string) (userID, passwordHash string, err error)
}

// PostgresUserStore backs UserStore with a users table.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore creates a store over an open connection pool.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

// CreateUser inserts a new user row. Returns ErrConflict when the username
// is taken.
func (s *PostgresUserStore) CreateUser(ctx context.Context, username, passwordHash string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (username) DO NOTHING`,
		id, username, passwordHash)
	if err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	// ON CONFLICT DO NOTHING swallows the duplicate; confirm the row is ours.
	var ownerID string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to read back user: %w", err)
	}
	if ownerID != id {
		return "", fmt.Errorf("%w: username %q already exists", ErrConflict, username)
	}
	return id, nil
}

// GetUser fetches the id and password hash for a username.
func (s *PostgresUserStore) GetUser(ctx context.Context, username string) (string, string, error) {
	var id, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE username = $1`, username).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch user: %w", err)
	}
	return id, hash, nil
}

// InMemoryUserStore is the test and dev-mode implementation.
type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]memUser
}

type memUser struct {
	id   string
	hash string
}

// NewInMemoryUserStore creates an empty in-memory user store.
func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{users: make(map[string]memUser)}
}

func (s *InMemoryUserStore) CreateUser(_ context.Context, username, passwordHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return "", fmt.Errorf("%w: username %q already exists", ErrConflict, username)
	}
	id := uuid.NewString()
	s.users[username] = memUser{id: id, hash: passwordHash}
	return id, nil
}

func (s *InMemoryUserStore) GetUser(_ context.Context, username string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return "", "", fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	return u.id, u.hash, nil
}

// AuthService ties the user store and the gate together for the auth
// endpoints.
type AuthService struct {
	users UserStore
	gate  *PolicyGate
}

// NewAuthService creates the auth facade used by the HTTP layer.
func NewAuthService(users UserStore, gate *PolicyGate) *AuthService {
	return &AuthService{users: users, gate: gate}
}

// Register creates a user account. Usernames are 3-50 chars of
// [a-zA-Z0-9_-]; passwords at least 8 chars.
func (a *AuthService) Register(ctx context.Context, username, password string) (string, error) {
	if err := validateUsername(username); err != nil {
		return "", err
	}
	if len(password) < 8 || len(password) > 128 {
		return "", fmt.Errorf("%w: password must be 8-128 characters", ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return a.users.CreateUser(ctx, username, string(hash))
}

// Login verifies credentials and issues a token. New accounts get the
// "member" role.
func (a *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	userID, hash, err := a.users.GetUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	return a.gate.IssueToken(userID, []string{"member"})
}

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 50 {
		return fmt.Errorf("%w: username must be 3-50 characters", ErrValidation)
	}
	for _, c := range username {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			continue
		}
		return fmt.Errorf("%w: username can only contain letters, numbers, underscores, and hyphens", ErrValidation)
	}
	return nil
}
