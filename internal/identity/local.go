package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"taskhub/internal/domain"
	"taskhub/internal/store"
)

const issuer = "taskhub"

// Local keeps credentials in the record store and issues HS256 access tokens.
// It also behaves as a single client: SignIn/SignOut/Refresh move its current
// session and notify subscribers.
type Local struct {
	Store             store.Store
	Secret            []byte
	TokenTTL          time.Duration
	MinPasswordLength int
	Now               func() time.Time
	Log               *zap.Logger

	mu         sync.Mutex
	current    *Session
	listeners  map[int]func(*Session)
	nextID     int
	revoked    map[string]time.Time
	bcryptCost int
}

type LocalConfig struct {
	Secret            string
	TokenTTL          time.Duration
	MinPasswordLength int
	Log               *zap.Logger
}

func NewLocal(s store.Store, cfg LocalConfig) (*Local, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 8
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Local{
		Store:             s,
		Secret:            []byte(cfg.Secret),
		TokenTTL:          cfg.TokenTTL,
		MinPasswordLength: cfg.MinPasswordLength,
		Now:               time.Now,
		Log:               cfg.Log,
		listeners:         map[int]func(*Session){},
		revoked:           map[string]time.Time{},
		bcryptCost:        bcrypt.DefaultCost,
	}, nil
}

// WithBcryptCost lowers hashing cost; tests use bcrypt.MinCost.
func (l *Local) WithBcryptCost(cost int) *Local {
	l.bcryptCost = cost
	return l
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// SignUp registers credentials and the profile row. Role defaults to employee.
func (l *Local) SignUp(ctx context.Context, email, password string, attrs Attributes) (domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, authErr("sign_up", err)
	}
	if len(password) < l.MinPasswordLength {
		return domain.User{}, authErr("sign_up", fmt.Errorf("%w: minimum %d characters", ErrWeakPassword, l.MinPasswordLength))
	}
	if attrs.Role == "" {
		attrs.Role = domain.RoleEmployee
	}
	if !attrs.Role.Valid() {
		return domain.User{}, authErr("sign_up", fmt.Errorf("unknown role %q", attrs.Role))
	}
	existing, err := l.Store.Select(ctx, store.Credentials, store.Where(store.Eq("email", email)).WithLimit(1))
	if err != nil {
		return domain.User{}, authErr("sign_up", err)
	}
	if len(existing) > 0 {
		return domain.User{}, authErr("sign_up", ErrAlreadyRegistered)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.bcryptCost)
	if err != nil {
		return domain.User{}, authErr("sign_up", err)
	}
	fullName := strings.TrimSpace(attrs.FullName)
	if fullName == "" {
		fullName = email
	}
	userID := uuid.NewString()
	rec, err := l.Store.Insert(ctx, store.Users, store.Record{
		"id":         userID,
		"email":      email,
		"full_name":  fullName,
		"role":       attrs.Role,
		"department": attrs.Department,
		"is_active":  true,
	})
	if err != nil {
		return domain.User{}, authErr("sign_up", err)
	}
	if _, err := l.Store.Insert(ctx, store.Credentials, store.Record{
		"user_id":       userID,
		"email":         email,
		"password_hash": string(hash),
	}); err != nil {
		if delErr := l.Store.Delete(ctx, store.Users, userID); delErr != nil {
			l.Log.Error("sign up: orphaned profile row", zap.String("user_id", userID), zap.Error(delErr))
		}
		return domain.User{}, authErr("sign_up", err)
	}
	var u domain.User
	if err := store.Decode(rec, &u); err != nil {
		return domain.User{}, authErr("sign_up", err)
	}
	l.Log.Info("identity registered", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// Authenticate checks a password and mints a session without touching the
// client's current session.
func (l *Local) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, authErr("sign_in", ErrInvalidCredentials)
	}
	recs, err := l.Store.Select(ctx, store.Credentials, store.Where(store.Eq("email", email)).WithLimit(1))
	if err != nil {
		return nil, authErr("sign_in", err)
	}
	if len(recs) == 0 {
		return nil, authErr("sign_in", ErrInvalidCredentials)
	}
	var cred struct {
		UserID       string `json:"user_id"`
		Email        string `json:"email"`
		PasswordHash string `json:"password_hash"`
	}
	if err := store.Decode(recs[0], &cred); err != nil {
		return nil, authErr("sign_in", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, authErr("sign_in", ErrInvalidCredentials)
	}
	return l.mint(cred.UserID, cred.Email)
}

// SignIn authenticates and makes the result the current session.
func (l *Local) SignIn(ctx context.Context, email, password string) (*Session, error) {
	s, err := l.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	l.setCurrent(s)
	return s, nil
}

// SignOut revokes the current session, if any, and notifies subscribers.
func (l *Local) SignOut(ctx context.Context) error {
	l.mu.Lock()
	cur := l.current
	l.mu.Unlock()
	if cur != nil {
		l.revoke(cur)
	}
	l.setCurrent(nil)
	return nil
}

// Refresh replaces the current session with a fresh token.
func (l *Local) Refresh(ctx context.Context) (*Session, error) {
	l.mu.Lock()
	cur := l.current
	l.mu.Unlock()
	if cur == nil {
		return nil, authErr("refresh", ErrInvalidToken)
	}
	next, err := l.RefreshToken(ctx, cur.AccessToken)
	if err != nil {
		l.setCurrent(nil)
		return nil, err
	}
	l.setCurrent(next)
	return next, nil
}

// RefreshToken exchanges a valid token for a new one and revokes the old one.
func (l *Local) RefreshToken(ctx context.Context, token string) (*Session, error) {
	s, err := l.Verify(ctx, token)
	if err != nil {
		return nil, authErr("refresh", err)
	}
	next, err := l.mint(s.UserID, s.Email)
	if err != nil {
		return nil, authErr("refresh", err)
	}
	l.revoke(s)
	return next, nil
}

// Revoke invalidates token until its natural expiry.
func (l *Local) Revoke(ctx context.Context, token string) error {
	s, err := l.Verify(ctx, token)
	if err != nil {
		return authErr("sign_out", err)
	}
	l.revoke(s)
	l.mu.Lock()
	cur := l.current
	l.mu.Unlock()
	if cur != nil && cur.TokenID == s.TokenID {
		l.setCurrent(nil)
	}
	return nil
}

// Current returns the client's current session.
func (l *Local) Current() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

func (l *Local) mint(userID, email string) (*Session, error) {
	now := l.now()
	exp := now.Add(l.TokenTTL)
	jti := uuid.NewString()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	})
	signed, err := tok.SignedString(l.Secret)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: signed, TokenID: jti, UserID: userID, Email: email, ExpiresAt: exp}, nil
}

// Verify parses and checks an access token.
func (l *Local) Verify(ctx context.Context, token string) (*Session, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return l.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, authErr("verify", ErrInvalidToken)
	}
	if c.Subject == "" || c.ID == "" {
		return nil, authErr("verify", ErrInvalidToken)
	}
	l.mu.Lock()
	_, revoked := l.revoked[c.ID]
	l.mu.Unlock()
	if revoked {
		return nil, authErr("verify", ErrInvalidToken)
	}
	return &Session{
		AccessToken: token,
		TokenID:     c.ID,
		UserID:      c.Subject,
		Email:       c.Email,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}

func (l *Local) revoke(s *Session) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, exp := range l.revoked {
		if now.After(exp) {
			delete(l.revoked, id)
		}
	}
	l.revoked[s.TokenID] = s.ExpiresAt
}

// Subscribe registers fn for session changes. fn runs synchronously on the
// goroutine that changed the session.
func (l *Local) Subscribe(fn func(*Session)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}

func (l *Local) setCurrent(s *Session) {
	l.mu.Lock()
	l.current = s
	fns := make([]func(*Session), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// GeneratePassword returns a random temporary password.
func GeneratePassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
