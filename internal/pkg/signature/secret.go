package signature

import (
	"context"
	"strings"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

// SecretSet is the current signing secret plus secrets still accepted while a
// rotation is in progress.
type SecretSet struct {
	Current  string
	Previous []string
}

// All returns the current secret first, then the previous ones.
func (s SecretSet) All() []string {
	out := make([]string, 0, 1+len(s.Previous))
	if s.Current != "" {
		out = append(out, s.Current)
	}
	for _, p := range s.Previous {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SecretSource hands out the secrets used to verify and sign deliveries.
// Implementations are looked up on every call so rotation needs no restart.
type SecretSource interface {
	Secrets(ctx context.Context) (SecretSet, error)
}

// StaticSecrets is a fixed SecretSource.
type StaticSecrets SecretSet

func (s StaticSecrets) Secrets(context.Context) (SecretSet, error) {
	if strings.TrimSpace(s.Current) == "" {
		return SecretSet{}, ErrNoSecret
	}
	return SecretSet(s), nil
}

// EnvSecrets reads secrets from the environment on each call.
type EnvSecrets struct {
	CurrentKey  string
	PreviousKey string
}

// DefaultEnvSecrets reads PAYSTACK_SECRET_KEY and PAYSTACK_PREVIOUS_SECRET_KEYS.
func DefaultEnvSecrets() EnvSecrets {
	return EnvSecrets{
		CurrentKey:  "PAYSTACK_SECRET_KEY",
		PreviousKey: "PAYSTACK_PREVIOUS_SECRET_KEYS",
	}
}

func (e EnvSecrets) Secrets(context.Context) (SecretSet, error) {
	current := strings.TrimSpace(env.GetEnv(e.CurrentKey, ""))
	if current == "" {
		return SecretSet{}, ErrNoSecret
	}
	set := SecretSet{Current: current}
	if e.PreviousKey != "" {
		set.Previous = env.GetList(e.PreviousKey)
	}
	return set, nil
}
