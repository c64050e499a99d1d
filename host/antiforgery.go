package host

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const DefaultAntiForgeryHeader = "X-XSRF-TOKEN"

var (
	ErrMissingToken = errors.New("anti-forgery token missing")
	ErrInvalidToken = errors.New("anti-forgery token invalid")
	ErrExpiredToken = errors.New("anti-forgery token expired")
)

// AntiForgeryOptions enables token validation on unsafe verbs.
type AntiForgeryOptions struct {
	Enabled bool
	// Secret signs tokens. Empty generates a per-process key.
	Secret []byte
	Header string
	TTL    time.Duration
}

// antiForgery issues stateless tokens: a random nonce and an expiry,
// signed with HMAC-SHA256.
type antiForgery struct {
	secret []byte
	header string
	ttl    time.Duration
	now    func() time.Time
}

const (
	nonceSize = 16
	tokenSize = nonceSize + 8
)

func newAntiForgery(opts AntiForgeryOptions) (*antiForgery, error) {
	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	header := opts.Header
	if header == "" {
		header = DefaultAntiForgeryHeader
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &antiForgery{secret: secret, header: header, ttl: ttl, now: time.Now}, nil
}

func (a *antiForgery) Issue() (string, error) {
	payload := make([]byte, tokenSize)
	if _, err := rand.Read(payload[:nonceSize]); err != nil {
		return "", err
	}
	binary.BigEndian.PutUint64(payload[nonceSize:], uint64(a.now().Add(a.ttl).Unix()))

	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(a.sign(payload)), nil
}

func (a *antiForgery) Validate(r *http.Request) error {
	token := r.Header.Get(a.header)
	if token == "" {
		return ErrMissingToken
	}

	enc := base64.RawURLEncoding
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalidToken
	}
	payload, err := enc.DecodeString(encPayload)
	if err != nil || len(payload) != tokenSize {
		return ErrInvalidToken
	}
	sig, err := enc.DecodeString(encSig)
	if err != nil || !hmac.Equal(sig, a.sign(payload)) {
		return ErrInvalidToken
	}
	expires := int64(binary.BigEndian.Uint64(payload[nonceSize:]))
	if a.now().Unix() > expires {
		return ErrExpiredToken
	}
	return nil
}

func (a *antiForgery) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// ServeHTTP hands out a token for the configured header.
func (a *antiForgery) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := a.Issue()
	if err != nil {
		writeProblem(w, Problem{Status: http.StatusInternalServerError, Detail: "could not issue token"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{
		"token":  token,
		"header": a.header,
	})
}
