package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

const bcryptCost = 12

// Claims carries the identity inside a bearer token.
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service is the credential collaborator: registration, login, and bearer
// token verification. The session core only consumes Verify; the REST
// surface consumes the rest.
type Service struct {
	store    interfaces.Store
	secret   []byte
	tokenTTL time.Duration
}

// NewService creates an auth service signing tokens with secret.
func NewService(store interfaces.Store, secret string, tokenTTL time.Duration) *Service {
	return &Service{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

// Register creates an account and returns the user with a fresh token.
// Uniqueness on username and phone is checked up front so conflicts
// surface as ErrUserExists rather than a raw constraint error.
func (s *Service) Register(ctx context.Context, username, phoneNumber, password string) (*types.User, string, error) {
	if username == "" || phoneNumber == "" || password == "" {
		return nil, "", ErrMissingFields
	}
	if !types.IsValidUsername(username) {
		return nil, "", types.ErrInvalidUsername
	}
	if !types.IsValidPhoneNumber(phoneNumber) {
		return nil, "", types.ErrInvalidPhone
	}
	if len(password) < 6 {
		return nil, "", types.ErrPasswordTooWeak
	}

	for _, key := range []string{username, phoneNumber} {
		_, err := s.store.FindUserByUsernameOrPhone(ctx, key)
		if err == nil {
			return nil, "", ErrUserExists
		}
		if !errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, "", fmt.Errorf("failed to check existing user: %w", err)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := s.store.CreateUser(ctx, username, phoneNumber, string(hash))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	user := &types.User{ID: id, Username: username, PhoneNumber: phoneNumber}
	token, err := s.generateToken(id, username)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login authenticates by username or phone number plus password. Any miss
// yields ErrInvalidCredentials without distinguishing which part failed.
func (s *Service) Login(ctx context.Context, usernameOrPhone, password string) (*types.User, string, error) {
	if usernameOrPhone == "" || password == "" {
		return nil, "", ErrMissingFields
	}

	user, err := s.store.FindUserByUsernameOrPhone(ctx, usernameOrPhone)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	if err := s.store.TouchLastLogin(ctx, user.ID); err != nil {
		// Best-effort stamp; login still succeeds.
		return user, "", fmt.Errorf("failed to update last login: %w", err)
	}

	token, err := s.generateToken(user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Verify implements interfaces.TokenVerifier for the websocket handshake.
func (s *Service) Verify(tokenString string) (types.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return types.Identity{}, interfaces.ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return types.Identity{}, interfaces.ErrInvalidToken
	}
	return types.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

func (s *Service) generateToken(userID int64, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
