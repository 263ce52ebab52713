// Package session holds the identity of the current dashboard user and mints
// the auth tokens the annotation store expects.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/zlnvch/marginalia/models"
)

// AuthHeader is the header the annotation store reads its token from.
const AuthHeader = "x-annotator-auth-token"

type Session struct {
	UserId         string
	Username       string
	Instructor     bool
	ConsumerKey    string
	ConsumerSecret []byte
	TokenTTL       time.Duration

	now func() time.Time
}

func New(userId, username string, instructor bool, consumerKey string, consumerSecret []byte, ttl time.Duration) *Session {
	return &Session{
		UserId:         userId,
		Username:       username,
		Instructor:     instructor,
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		TokenTTL:       ttl,
		now:            time.Now,
	}
}

func (s *Session) User() *models.User {
	return &models.User{Id: s.UserId, Name: s.Username}
}

func (s *Session) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// IssueToken signs a store token for the session user.
func (s *Session) IssueToken(issuedAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"consumerKey": s.ConsumerKey,
		"userId":      s.UserId,
		"issuedAt":    issuedAt.UTC().Format(time.RFC3339),
		"ttl":         int64(s.TokenTTL / time.Second),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.ConsumerSecret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

type Claims struct {
	ConsumerKey string
	UserId      string
	IssuedAt    time.Time
	TTL         time.Duration
}

func (c Claims) Expiry() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

var ErrTokenExpired = errors.New("token expired")

// ParseToken verifies a store token signed with secret and checks it has not
// expired at now.
func ParseToken(secret []byte, tokenString string, now time.Time) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, err
	}
	if !token.Valid {
		return Claims{}, errors.New("invalid token")
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid token claims")
	}

	var c Claims
	if c.ConsumerKey, ok = mc["consumerKey"].(string); !ok {
		return Claims{}, errors.New("missing consumerKey claim")
	}
	if c.UserId, ok = mc["userId"].(string); !ok {
		return Claims{}, errors.New("missing userId claim")
	}
	issued, ok := mc["issuedAt"].(string)
	if !ok {
		return Claims{}, errors.New("missing issuedAt claim")
	}
	if c.IssuedAt, err = time.Parse(time.RFC3339, issued); err != nil {
		return Claims{}, fmt.Errorf("bad issuedAt claim: %w", err)
	}
	ttl, ok := mc["ttl"].(float64)
	if !ok {
		return Claims{}, errors.New("missing ttl claim")
	}
	c.TTL = time.Duration(ttl) * time.Second

	if now.After(c.Expiry()) {
		return Claims{}, ErrTokenExpired
	}
	return c, nil
}

type tokenSource struct {
	s *Session
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	now := ts.s.clock()
	signed, err := ts.s.IssueToken(now)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		Expiry:      now.Add(ts.s.TokenTTL),
	}, nil
}

// TokenSource re-mints the store token shortly before it expires.
func (s *Session) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, tokenSource{s: s})
}

// Transport adds the store token to every request sent through base.
type Transport struct {
	Source oauth2.TokenSource
	Base   http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.Source.Token()
	if err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	r := req.Clone(req.Context())
	r.Header.Set(AuthHeader, tok.AccessToken)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// HTTPClient returns a client that authenticates every request to the store.
func (s *Session) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Source: s.TokenSource()},
	}
}
