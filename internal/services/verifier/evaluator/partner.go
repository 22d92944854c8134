package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/louisbranch/questgate/internal/platform/timeouts"
)

const maxResponseBytes = 1 << 20

// PartnerConfig describes a partner REST check.
//
// URL, header values and string leaves of Body may reference {{account}},
// {{questId}} and {{secret:NAME}}. A GET whose URL does not reference
// {{account}} gets a wallet=<account> query parameter.
type PartnerConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
	Success *Rule             `json:"success,omitempty" yaml:"success,omitempty"`
}

// SecretLookup resolves {{secret:NAME}} placeholders.
type SecretLookup func(name string) (string, bool)

// Partner checks a claim against a partner REST API.
type Partner struct {
	cfg     PartnerConfig
	method  string
	rule    Rule
	client  *http.Client
	secrets SecretLookup
}

// NewPartner validates cfg and builds the strategy.
func NewPartner(cfg PartnerConfig, client *http.Client, secrets SecretLookup) (*Partner, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("partner url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	rule := Equals("completed", true)
	if cfg.Success != nil {
		rule = *cfg.Success
	}
	if client == nil {
		client = http.DefaultClient
	}
	if secrets == nil {
		secrets = func(string) (string, bool) { return "", false }
	}
	return &Partner{cfg: cfg, method: method, rule: rule, client: client, secrets: secrets}, nil
}

// Upstream is the configured URL template, so every quest behind the same
// partner endpoint shares a breaker.
func (p *Partner) Upstream() string {
	return "partner:" + p.cfg.URL
}

// Check performs one partner request bounded by timeouts.PartnerRequest.
func (p *Partner) Check(ctx context.Context, account, questID string) (Verdict, error) {
	vars := templateVars{account: account, questID: questID, secrets: p.secrets}

	target := p.cfg.URL
	if p.method == http.MethodGet && !strings.Contains(target, "{{account}}") {
		target = appendWallet(target, account)
	}
	target = vars.expand(target)

	var body io.Reader
	if p.cfg.Body != nil {
		encoded, err := json.Marshal(vars.expandValue(p.cfg.Body))
		if err != nil {
			return Verdict{}, fmt.Errorf("encode partner body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.PartnerRequest)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, p.method, target, body)
	if err != nil {
		return Verdict{}, &MalformedError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range p.cfg.Headers {
		req.Header.Set(name, vars.expand(value))
	}

	doc, err := doJSON(p.client, req)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Completed: p.rule.Match(doc), Payload: payloadOf(doc, account)}, nil
}

// doJSON runs req and parses a JSON response, classifying failures.
func doJSON(client *http.Client, req *http.Request) (gjson.Result, error) {
	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return gjson.Result{}, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &MalformedError{Reason: "response is not JSON"}
	}
	return gjson.ParseBytes(raw), nil
}

// payloadOf keeps the fields worth caching with the verdict.
func payloadOf(doc gjson.Result, account string) map[string]any {
	payload := map[string]any{"wallet": account}
	if wallet := doc.Get("wallet"); wallet.Type == gjson.String {
		payload["wallet"] = wallet.Str
	}
	if score := doc.Get("score"); score.Exists() {
		payload["score"] = score.Value()
	}
	return payload
}

func appendWallet(target, account string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "wallet=" + url.QueryEscape(account)
}

var secretPattern = regexp.MustCompile(`\{\{secret:([A-Za-z0-9_]+)\}\}`)

type templateVars struct {
	account string
	questID string
	secrets SecretLookup
}

func (v templateVars) expand(s string) string {
	s = strings.ReplaceAll(s, "{{account}}", v.account)
	s = strings.ReplaceAll(s, "{{questId}}", v.questID)
	return secretPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := secretPattern.FindStringSubmatch(match)[1]
		value, _ := v.secrets(name)
		return value
	})
}

// expandValue templates every string leaf of a decoded JSON value.
func (v templateVars) expandValue(value any) any {
	switch t := value.(type) {
	case string:
		return v.expand(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = v.expandValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = v.expandValue(item)
		}
		return out
	}
	return value
}
