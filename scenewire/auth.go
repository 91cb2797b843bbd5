package scenewire

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// session tokens are HMAC-signed JWTs carrying the client name. A server
// configured with a secret verifies them during the handshake; without a
// secret the token is only parsed for its client name.

type SessionToken struct {
	ClientName string
}

func NewSessionToken(secret string, clientName string, expireTimeout time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"client_name": clientName,
		"iat":         time.Now().Unix(),
		"exp":         time.Now().Add(expireTimeout).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func VerifySessionToken(secret string, tokenStr string) (*SessionToken, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return sessionTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

func ParseSessionTokenUnverified(tokenStr string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return sessionTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

func sessionTokenFromClaims(claims gojwt.MapClaims) (*SessionToken, error) {
	sessionToken := &SessionToken{}
	if clientName, ok := claims["client_name"]; ok {
		if clientNameStr, ok := clientName.(string); ok {
			sessionToken.ClientName = clientNameStr
		}
	}
	return sessionToken, nil
}
