package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// APIKeyHeader carries a service client's key
const APIKeyHeader = "X-API-Key"

// APIKeys authenticates service clients such as metric feed loaders that
// cannot perform an interactive login. Each key belongs to a named client;
// the name is recorded as the acting user.
type APIKeys struct {
	mu   sync.RWMutex
	keys map[string]string // client name -> key
}

// NewAPIKeys creates an empty key set
func NewAPIKeys() *APIKeys {
	return &APIKeys{keys: make(map[string]string)}
}

// ParseAPIKeys builds a key set from "name:key" entries
func ParseAPIKeys(specs []string) (*APIKeys, error) {
	k := NewAPIKeys()
	for _, spec := range specs {
		name, key, ok := strings.Cut(spec, ":")
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid API key entry %q: expected name:key", spec)
		}
		if _, dup := k.keys[name]; dup {
			return nil, fmt.Errorf("duplicate API key client %q", name)
		}
		k.keys[name] = key
	}
	return k, nil
}

// Set adds or replaces the key of a client
func (k *APIKeys) Set(name, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[name] = key
}

// Remove drops a client's key
func (k *APIKeys) Remove(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, name)
}

// Len returns the number of configured clients
func (k *APIKeys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Authenticate returns the client name for the key presented in the request.
// Keys are accepted in the X-API-Key header or as "Authorization: ApiKey <key>".
func (k *APIKeys) Authenticate(r *http.Request) (string, bool) {
	provided := extractAPIKey(r)
	if provided == "" {
		return "", false
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	// every key is compared so timing does not reveal which client matched
	matched := ""
	for name, key := range k.keys {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
			matched = name
		}
	}
	if matched == "" {
		return "", false
	}
	return "apikey:" + matched, true
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "ApiKey ") {
		return strings.TrimPrefix(authHeader, "ApiKey ")
	}
	return ""
}
