package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authToken builds the Authorization bearer token Upbit expects: a JWT
// signed HS256 with the secret key, carrying the access key, a one-time
// nonce and, for parameterized requests, the SHA512 hash of the encoded
// query string.
func (c *Client) authToken(query url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}

	if len(query) > 0 {
		hash := sha512.Sum512([]byte(query.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.secretKey))
}
