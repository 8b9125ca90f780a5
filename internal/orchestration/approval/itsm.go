package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/policy"
)

// CriteriaSource returns the fields a CRITERIA approval is evaluated
// against.
type CriteriaSource interface {
	TicketFields(ctx context.Context, ticketRef string) (policy.Fields, error)
}

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrITSMDisabled   = errors.New("itsm client is not configured")
)

type ITSMError struct {
	StatusCode int
	Body       string
}

func (e *ITSMError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("itsm api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("itsm api error (status=%d): %s", e.StatusCode, body)
}

type ITSMConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// ITSMConfigFromEnv reads ORCHESTRATOR_ITSM_*. An empty base URL leaves
// the client disabled.
func ITSMConfigFromEnv() (ITSMConfig, error) {
	timeout, err := env.Duration("ORCHESTRATOR_ITSM_TIMEOUT", 15*time.Second)
	if err != nil {
		return ITSMConfig{}, err
	}
	cfg := ITSMConfig{
		BaseURL:      env.String("ORCHESTRATOR_ITSM_BASE_URL", ""),
		TokenURL:     env.String("ORCHESTRATOR_ITSM_TOKEN_URL", ""),
		ClientID:     env.String("ORCHESTRATOR_ITSM_CLIENT_ID", ""),
		ClientSecret: env.String("ORCHESTRATOR_ITSM_CLIENT_SECRET", ""),
		Scopes:       env.CSV("ORCHESTRATOR_ITSM_SCOPES", nil),
		Timeout:      timeout,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

func (c ITSMConfig) Enabled() bool { return strings.TrimSpace(c.BaseURL) != "" }

func (c ITSMConfig) Validate() error {
	if !c.Enabled() {
		return ErrITSMDisabled
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("ORCHESTRATOR_ITSM_BASE_URL: %w", err)
	}
	if c.TokenURL == "" || c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("ORCHESTRATOR_ITSM_TOKEN_URL, _CLIENT_ID and _CLIENT_SECRET are required")
	}
	if c.Timeout <= 0 {
		return errors.New("ORCHESTRATOR_ITSM_TIMEOUT must be > 0")
	}
	return nil
}

// ITSMClient reads change tickets from the ticketing system with an
// OAuth2 client-credentials token.
type ITSMClient struct {
	baseURL string
	http    *http.Client
}

func NewITSMClient(ctx context.Context, cfg ITSMConfig) (*ITSMClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	base := &http.Client{Timeout: cfg.Timeout}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = cfg.Timeout
	return &ITSMClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    client,
	}, nil
}

// TicketFields returns the ticket document as evaluation fields. Nested
// objects are addressed with dotted paths, e.g. "fields.risk".
func (c *ITSMClient) TicketFields(ctx context.Context, ticketRef string) (policy.Fields, error) {
	ticketRef = strings.TrimSpace(ticketRef)
	if ticketRef == "" {
		return nil, errors.New("ticket ref is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tickets/"+url.PathEscape(ticketRef), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", ticketRef, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("decode ticket %s: %w", ticketRef, err)
		}
		return policy.Fields(fields), nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketRef)
	default:
		return nil, &ITSMError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
