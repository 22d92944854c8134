package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/louisbranch/questgate/internal/platform/timeouts"
)

// ExternalConfig points at an opaque verify service used when a quest has no
// partner or contract check of its own.
type ExternalConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// External posts {address, questId} and expects {"completed": bool}.
type External struct {
	cfg     ExternalConfig
	client  *http.Client
	secrets SecretLookup
}

// NewExternal validates cfg and builds the strategy.
func NewExternal(cfg ExternalConfig, client *http.Client, secrets SecretLookup) (*External, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("external verify url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if secrets == nil {
		secrets = func(string) (string, bool) { return "", false }
	}
	return &External{cfg: cfg, client: client, secrets: secrets}, nil
}

// Upstream identifies the verify service.
func (e *External) Upstream() string {
	return "external:" + e.cfg.URL
}

// Check posts the claim to the verify service.
func (e *External) Check(ctx context.Context, account, questID string) (Verdict, error) {
	payload, err := json.Marshal(map[string]string{"address": account, "questId": questID})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode verify request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.PartnerRequest)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, &MalformedError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	vars := templateVars{account: account, questID: questID, secrets: e.secrets}
	for name, value := range e.cfg.Headers {
		req.Header.Set(name, vars.expand(value))
	}

	doc, err := doJSON(e.client, req)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Completed: Equals("completed", true).Match(doc), Payload: payloadOf(doc, account)}, nil
}
