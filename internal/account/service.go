// Package account implements email/password accounts with HS256 access
// tokens and per-connection auth sessions.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "cloudcollab"

type Claims struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

type Authenticated struct {
	Account store.Account
	Token   string
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64
}

type signupInput struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"min=6"`
	DisplayName string
}

type Service struct {
	users    store.Users
	feed     *store.Feed
	secret   []byte
	expiry   time.Duration
	cost     int
	validate *validator.Validate
}

func NewService(users store.Users, feed *store.Feed, secret string, expiry time.Duration) *Service {
	return &Service{
		users:    users,
		feed:     feed,
		secret:   []byte(secret),
		expiry:   expiry,
		cost:     bcrypt.DefaultCost,
		validate: validator.New(),
	}
}

func (s *Service) Signup(ctx context.Context, email, password, displayName string) (*Authenticated, error) {
	in := signupInput{
		Email:       strings.TrimSpace(email),
		Password:    password,
		DisplayName: strings.TrimSpace(displayName),
	}
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			if verrs[0].Field() == "Password" {
				return nil, &AuthError{Code: CodeWeakPassword, Message: "Password should be at least 6 characters"}
			}
		}
		return nil, &AuthError{Code: CodeInvalidEmail, Message: "Enter a valid email"}
	}
	if in.DisplayName == "" {
		in.DisplayName = strings.SplitN(in.Email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	acc, err := s.users.CreateUser(ctx, store.Account{
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrEmailInUse) {
		return nil, &AuthError{Code: CodeEmailInUse, Message: "Email already in use"}
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	logger.Sugar.Infof("Account %s signed up", acc.ID)
	return s.issue(acc)
}

func (s *Service) Login(ctx context.Context, email, password string) (*Authenticated, error) {
	acc, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AuthError{Code: CodeInvalidCredentials, Message: "Invalid email or password"}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, &AuthError{Code: CodeInvalidCredentials, Message: "Invalid email or password"}
	}
	return s.issue(acc)
}

// Logout revokes the token until it would have expired anyway. The store
// notifies every session holding it, on this instance and the others.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.verify(ctx, token)
	if err != nil {
		return err
	}
	if err := s.users.RevokeToken(ctx, claims.AccountID, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	logger.Sugar.Infof("Account %s logged out", claims.AccountID)
	return nil
}

// Authenticate validates the token and returns the account it was issued to.
func (s *Service) Authenticate(ctx context.Context, token string) (store.Account, *Claims, error) {
	claims, err := s.verify(ctx, token)
	if err != nil {
		return store.Account{}, nil, err
	}
	acc, err := s.users.GetUser(ctx, claims.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{}, nil, &AuthError{Code: CodeUnauthenticated, Message: "Account no longer exists"}
	}
	if err != nil {
		return store.Account{}, nil, fmt.Errorf("lookup user: %w", err)
	}
	return acc, claims, nil
}

// verify parses the token and checks it has not been logged out.
func (s *Service) verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := s.users.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, &AuthError{Code: CodeUnauthenticated, Message: "Token has been revoked"}
	}
	return claims, nil
}

func (s *Service) issue(acc store.Account) (*Authenticated, error) {
	now := time.Now()
	claims := Claims{
		AccountID:   acc.ID,
		Email:       acc.Email,
		DisplayName: acc.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   acc.ID,
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return &Authenticated{Account: acc, Token: signed, ExpiresIn: int64(s.expiry.Seconds())}, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, &AuthError{Code: CodeUnauthenticated, Message: "No token provided"}
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, &AuthError{Code: CodeUnauthenticated, Message: "Invalid or expired token"}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.AccountID == "" {
		return nil, &AuthError{Code: CodeUnauthenticated, Message: "Invalid token"}
	}
	return claims, nil
}
