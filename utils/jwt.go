package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the workspace every API call is scoped to
type Claims struct {
	WorkspaceID uint   `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWTToken issues a workspace token valid for ttl
func GenerateJWTToken(secret string, workspaceID uint, name string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing key is empty")
	}
	now := time.Now()
	claims := &Claims{
		WorkspaceID: workspaceID,
		Name:        name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWTToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.WorkspaceID == 0 {
			return nil, errors.New("token carries no workspace")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
