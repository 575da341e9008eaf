package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/blake2b"
)

const DefaultTokenExpiry = 12 * time.Hour

var ErrInvalidToken = errors.New("invalid or expired token")

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) > blake2b.Size {
		return fmt.Errorf("auth secret must be at most %d bytes", blake2b.Size)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Session is a relay access token bound to one user.
type Session struct {
	Token     string `json:"token"`
	UID       string `json:"uid"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds
}

// AuthService issues and resolves relay session tokens. Only keyed hashes of
// live tokens are kept in memory.
type AuthService struct {
	Config
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

func (as *AuthService) hashToken(token string) string {
	h, err := blake2b.New256(as.secretBytes)
	if err != nil {
		// Key length is checked in Validate.
		panic(err)
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a new session token for uid.
func (as *AuthService) Issue(uid string) (Session, error) {
	if uid == "" {
		return Session{}, errors.New("uid is required")
	}
	token, err := as.generateToken()
	if err != nil {
		return Session{}, err
	}
	as.liveTokens.Set(as.hashToken(token), uid)
	return Session{
		Token:     token,
		UID:       uid,
		ExpiresAt: as.now().Add(as.TokenExpiry).Unix(),
	}, nil
}

func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	uid, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return "", ErrInvalidToken
	}
	return uid, nil
}

func (as *AuthService) Revoke(token string) error {
	return as.liveTokens.Del(as.hashToken(token))
}

// TokenFromRequest reads the session token from the token header, a bearer
// Authorization header, the token cookie or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
