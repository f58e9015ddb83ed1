package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// localBackend is the last-resort backend: a deterministic heuristic
// completion that needs no network. It keeps cycles and tests running when
// every remote backend is down or unconfigured.
type localBackend struct {
	name string
}

// NewLocalBackend creates the offline fallback backend
func NewLocalBackend(name string) Backend {
	if name == "" {
		name = "local"
	}
	return &localBackend{name: name}
}

func (b *localBackend) Name() string { return b.name }

func (b *localBackend) Complete(ctx context.Context, prompt string, meta map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(prompt))
	digest := hex.EncodeToString(sum[:4])

	// Deterministic sentiment from the prompt digest so repeated questions
	// get stable answers.
	outlooks := []string{"neutral", "bullish", "bearish"}
	outlook := outlooks[int(sum[0])%len(outlooks)]

	subject := prompt
	if len(subject) > 48 {
		subject = subject[:48]
	}
	subject = strings.TrimSpace(subject)

	return fmt.Sprintf("[offline:%s] heuristic assessment for %q: %s", digest, subject, outlook), nil
}
