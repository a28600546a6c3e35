// Package secret resolves API tokens stored as JSON in the parameter store.
package secret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// payload is the JSON shape stored in SSM for every token.
type payload struct {
	Token string `json:"token"`
}

// Token fetches a token on first use and keeps it for the process lifetime.
// Failed fetches are not cached.
type Token struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func NewToken(getter Getter, name string) (*Token, error) {
	if getter == nil {
		return nil, errors.New("secret: paramstore getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("secret: token parameter name is empty")
	}
	return &Token{getter: getter, name: name}, nil
}

func (t *Token) Name() string { return t.name }

func (t *Token) Get(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value != "" {
		return t.value, nil
	}
	v, err := Fetch(ctx, t.getter, t.name)
	if err != nil {
		return "", err
	}
	t.value = v
	return v, nil
}

// Fetch reads name and decodes its {"token": "..."} value.
func Fetch(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("secret: paramstore getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("secret: fetch %s: %w", name, err)
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", fmt.Errorf("secret: unmarshal %s as JSON: %w", name, err)
	}
	token := strings.TrimSpace(p.Token)
	if token == "" {
		return "", fmt.Errorf("secret: %s: token is empty", name)
	}
	return token, nil
}
