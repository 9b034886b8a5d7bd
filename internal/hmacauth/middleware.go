package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// DefaultTokenParam is the query parameter carrying the callback token.
const DefaultTokenParam = "token"

var (
	ErrMissingToken = errors.New("missing callback token")
	ErrInvalidToken = errors.New("invalid callback token")
)

// Token returns hex(HMAC-SHA256(secret, resource)). The service embeds it in
// the callback URL it hands the provider, so only a party that was given
// that URL can post to it.
func Token(secret, resource string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(resource))
	return hex.EncodeToString(mac.Sum(nil))
}

// CallbackURL appends the token for resource to base. base is returned
// unchanged when secret is empty.
func CallbackURL(base, secret, resource string) string {
	if secret == "" {
		return base
	}
	return base + "?" + DefaultTokenParam + "=" + url.QueryEscape(Token(secret, resource))
}

// Verifier checks the callback token of inbound provider callbacks. Resource
// extracts the value the token was minted for, usually a path parameter.
// An empty Secret disables verification.
type Verifier struct {
	Secret     string
	TokenParam string
	Resource   func(r *http.Request) string
	Logger     *zap.Logger
}

func (v *Verifier) Enabled() bool { return v.Secret != "" }

// Verify reports whether token was minted for resource.
func (v *Verifier) Verify(resource, token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	if resource == "" || !hmac.Equal([]byte(Token(v.Secret, resource)), []byte(token)) {
		return ErrInvalidToken
	}
	return nil
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := ""
		if v.Resource != nil {
			resource = v.Resource(r)
		}
		if err := v.Verify(resource, r.URL.Query().Get(v.tokenParam())); err != nil {
			if v.Logger != nil {
				v.Logger.Warn("callback rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) tokenParam() string {
	if v.TokenParam != "" {
		return v.TokenParam
	}
	return DefaultTokenParam
}
