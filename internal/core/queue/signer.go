package queue

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries the job signature on callback requests.
const SignatureHeader = "X-Job-Signature"

const signatureIssuer = "docbot-relay"

type signatureClaims struct {
	BodyHash string `json:"body"`
	jwt.RegisteredClaims
}

// Signer issues and checks callback signatures. A signature is an HS256 JWT
// bound to the callback URL (without query) and the sha256 of the raw body.
// The first key signs; every key is accepted on verify so a new key can be
// rolled out before the old one is retired.
type Signer struct {
	keys [][]byte
	ttl  time.Duration
	now  func() time.Time
}

func NewSigner(current, next string, ttl time.Duration) (*Signer, error) {
	if current == "" {
		return nil, errors.New("signing key is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	keys := [][]byte{[]byte(current)}
	if next != "" && next != current {
		keys = append(keys, []byte(next))
	}
	return &Signer{keys: keys, ttl: ttl, now: time.Now}, nil
}

// CanonicalURL drops the query string and fragment. Callbacks are signed over
// the base URL only.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (s *Signer) Sign(callbackURL string, body []byte) (string, error) {
	now := s.now()
	claims := signatureClaims{
		BodyHash: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   CanonicalURL(callbackURL),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keys[0])
	if err != nil {
		return "", fmt.Errorf("sign job: %w", err)
	}
	return tok, nil
}

// Verify reports whether signature was issued for exactly this URL and these
// body bytes. rawBody must be the bytes as received, never a re-encoding.
func (s *Signer) Verify(signature string, rawBody []byte, exactURL string) bool {
	if signature == "" {
		return false
	}
	want := bodyHash(rawBody)
	subject := CanonicalURL(exactURL)

	for _, key := range s.keys {
		claims := &signatureClaims{}
		_, err := jwt.ParseWithClaims(signature, claims, func(*jwt.Token) (any, error) {
			return key, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(signatureIssuer),
			jwt.WithSubject(subject),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(s.now),
		)
		if err != nil {
			continue
		}
		return subtle.ConstantTimeCompare([]byte(claims.BodyHash), []byte(want)) == 1
	}
	return false
}
