package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeStaticBearer compares the presented bearer token with the
// configured one in constant time.
func authorizeStaticBearer(authHeader, token string) *authError {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if presented == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	if !hmac.Equal(digest(presented), digest(token)) {
		return &authError{status: 403, code: "forbidden", message: "token mismatch"}
	}
	return nil
}

func digest(value string) []byte {
	sum := sha256.Sum256([]byte(value))
	return sum[:]
}
