package utils

import (
	"errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret []byte

func init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "your-secret-key" // Default for development
	}
	jwtSecret = []byte(secret)
}

// SetJWTSecret overrides the signing secret loaded from JWT_SECRET.
func SetJWTSecret(secret string) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
}

// AccessClaims identifies the user behind a websocket connection.
// DocumentId is optional; when set the token only opens that document.
type AccessClaims struct {
	Username   string `json:"username"`
	DocumentId string `json:"documentId,omitempty"`
	jwt.RegisteredClaims
}

// ValidateAccessToken validates a JWT token and returns the claims
func ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	return token.Claims.(*AccessClaims), nil
}

// GenerateAccessToken signs claims with the configured secret.
func GenerateAccessToken(claims *AccessClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", errors.New("invalid authorization header format")
	}
	return token, nil
}
