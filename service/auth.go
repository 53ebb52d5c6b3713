package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/sketchroom/models"
)

const DefaultTokenTTL = 24 * time.Hour

var ErrUnauthenticated = errors.New("unauthenticated")

// SignToken issues an HS256 token naming the user in sub and name. Tokens are
// normally minted by the credential service; this is used by the dev tooling
// and by tests.
func SignToken(secret []byte, user models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  user.Id,
		"name": user.Username,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func (s *Service) CreateJWT(user models.User) (string, error) {
	return SignToken(s.JWTSecret, user, DefaultTokenTTL)
}

func (s *Service) VerifyJWT(tokenString string) (models.User, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.User{}, time.Time{}, err
	}

	if !token.Valid {
		return models.User{}, time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.User{}, time.Time{}, errors.New("invalid token claims")
	}

	id, err := claims.GetSubject()
	if err != nil || id == "" {
		return models.User{}, time.Time{}, errors.New("missing sub claim")
	}

	// Tokens without a display name fall back to the id
	name, _ := claims["name"].(string)
	if name == "" {
		name = id
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return models.User{}, time.Time{}, err
	}

	return models.User{Id: id, Username: name}, exp.Time, nil
}

// AuthenticateToken resolves a bearer token to its user. Any failure is
// reported as ErrUnauthenticated wrapping the cause.
func (s *Service) AuthenticateToken(token string) (models.User, error) {
	if len(token) == 0 {
		return models.User{}, errors.Join(ErrUnauthenticated, errors.New("token not provided"))
	}

	user, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.User{}, errors.Join(ErrUnauthenticated, err)
	}

	return user, nil
}
