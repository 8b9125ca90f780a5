package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCAudience  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(env.String("ORCHESTRATOR_AUTH_MODE", string(ModeOIDC)))
	mode, err := parseMode(modeRaw)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("ORCHESTRATOR_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("ORCHESTRATOR_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("OIDC_ISSUER_URL", ""),
		OIDCAudience:  env.String("OIDC_AUDIENCE", ""),
		DevSubject:    env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      normalizeRoles(env.CSV("DEV_AUTH_ROLES", []string{RoleAdmin})),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("ORCHESTRATOR_AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("ORCHESTRATOR_AUTH_EMAIL_CLAIM is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when ORCHESTRATOR_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCAudience) == "" {
			return errors.New("OIDC_AUDIENCE is required when ORCHESTRATOR_AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when ORCHESTRATOR_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when ORCHESTRATOR_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// New builds the Authenticator for cfg.Mode. OIDC mode contacts the issuer
// for discovery.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	default:
		return anonymousAuthenticator{}, nil
	}
}

func parseMode(raw string) (Mode, error) {
	switch raw {
	case string(ModeOIDC):
		return ModeOIDC, nil
	case string(ModeDev):
		return ModeDev, nil
	case string(ModeDisabled):
		return ModeDisabled, nil
	default:
		return "", fmt.Errorf("ORCHESTRATOR_AUTH_MODE must be one of: oidc, dev, disabled (got %q)", raw)
	}
}

func normalizeRoles(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		role := strings.ToLower(strings.TrimSpace(value))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
