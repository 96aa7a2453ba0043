package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const keyID ctxKey = 0

const DefaultHeader = "X-API-Key"

// Key is one configured client.
type Key struct {
	ID     string
	Secret string
}

// Store is a static in-memory key store. Secrets are kept as SHA-256 digests
// and compared in constant time.
type Store struct {
	header string
	keys   []storedKey
}

type storedKey struct {
	id     string
	digest [sha256.Size]byte
}

// NewStatic creates a key store reading secrets from header. Keys with an
// empty ID or secret are ignored.
func NewStatic(header string, keys []Key) *Store {
	if header == "" {
		header = DefaultHeader
	}
	s := &Store{header: header}
	for _, k := range keys {
		if k.ID == "" || k.Secret == "" {
			continue
		}
		s.keys = append(s.keys, storedKey{id: k.ID, digest: sha256.Sum256([]byte(k.Secret))})
	}
	return s
}

func (s *Store) Header() string { return s.header }
func (s *Store) Len() int       { return len(s.keys) }

// Lookup returns the key ID owning secret.
func (s *Store) Lookup(secret string) (string, bool) {
	d := sha256.Sum256([]byte(secret))
	id, found := "", false
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(d[:], k.digest[:]) == 1 && !found {
			id, found = k.id, true
		}
	}
	return id, found
}

func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

func KeyIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyID).(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// Paths in skipPaths pass through unauthenticated. A store without keys
// lets every request through as anonymous.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok || len(s.keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(s.header))
			if secret == "" {
				unauthorized(w, "missing_api_key", "Provide API key in "+s.header)
				return
			}
			id, ok := s.Lookup(secret)
			if !ok {
				unauthorized(w, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": msg},
	})
}
