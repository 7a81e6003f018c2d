package remote

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

type accessClaims struct {
	jwtlib.RegisteredClaims
	Email string `json:"email"`
}

// SignAccessToken mints the HS256 access token carried by a Session. Both
// store implementations share this so tokens verify identically regardless
// of backend.
func SignAccessToken(secret []byte, userID string, email string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	expiresAt := time.Now().UTC().Add(ttl)
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "naladrink",
		},
		Email: email,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates a token and returns the user id and email it
// was minted for.
func ParseAccessToken(secret []byte, tokenStr string) (string, string, error) {
	claims := &accessClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", "", errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", errors.New("invalid token subject")
	}
	return sub, claims.Email, nil
}
