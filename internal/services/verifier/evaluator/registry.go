package evaluator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Kind selects an evaluation strategy.
type Kind string

const (
	KindPartner  Kind = "partner"
	KindOnChain  Kind = "onchain"
	KindExternal Kind = "external"
)

// Config is a quest's evaluator configuration as stored in the catalog.
type Config struct {
	Kind     Kind            `json:"kind" yaml:"kind"`
	Partner  *PartnerConfig  `json:"partner,omitempty" yaml:"partner,omitempty"`
	OnChain  *OnChainConfig  `json:"onchain,omitempty" yaml:"onchain,omitempty"`
	External *ExternalConfig `json:"external,omitempty" yaml:"external,omitempty"`
}

// Dialer opens an RPC client for url.
type Dialer func(ctx context.Context, url string) (Caller, func(), error)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	HTTPClient *http.Client
	// DefaultRPCURL is used by on-chain quests that do not name a node.
	DefaultRPCURL string
	// ExternalURL backs quests that configure no evaluator at all.
	ExternalURL string
	Secrets     SecretLookup
	Dial        Dialer
}

// Registry builds evaluators from quest configuration and keeps one RPC
// client per node.
type Registry struct {
	opts RegistryOptions

	mu      sync.Mutex
	callers map[string]Caller
	closers []func()
}

// NewRegistry builds a registry. Secrets default to QUESTGATE_SECRET_<NAME>
// environment variables and RPC clients to ethclient.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Secrets == nil {
		opts.Secrets = EnvSecrets("QUESTGATE_SECRET_")
	}
	if opts.Dial == nil {
		opts.Dial = dialEthclient
	}
	return &Registry{opts: opts, callers: make(map[string]Caller)}
}

// EnvSecrets resolves secrets from environment variables named prefix+NAME.
func EnvSecrets(prefix string) SecretLookup {
	return func(name string) (string, bool) {
		return os.LookupEnv(prefix + strings.ToUpper(name))
	}
}

func dialEthclient(ctx context.Context, url string) (Caller, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// Build returns the evaluator for cfg. An empty config falls back to the
// external verify service when one is configured.
func (r *Registry) Build(ctx context.Context, cfg Config) (Evaluator, error) {
	kind := cfg.Kind
	if kind == "" {
		switch {
		case cfg.Partner != nil:
			kind = KindPartner
		case cfg.OnChain != nil:
			kind = KindOnChain
		default:
			kind = KindExternal
		}
	}

	switch kind {
	case KindPartner:
		if cfg.Partner == nil {
			return nil, fmt.Errorf("partner evaluator requires partner config")
		}
		return NewPartner(*cfg.Partner, r.opts.HTTPClient, r.opts.Secrets)
	case KindOnChain:
		if cfg.OnChain == nil {
			return nil, fmt.Errorf("onchain evaluator requires onchain config")
		}
		onchain := *cfg.OnChain
		if strings.TrimSpace(onchain.RPCURL) == "" {
			onchain.RPCURL = r.opts.DefaultRPCURL
		}
		caller, err := r.caller(ctx, onchain.RPCURL)
		if err != nil {
			return nil, err
		}
		return NewOnChain(onchain, caller)
	case KindExternal:
		external := ExternalConfig{URL: r.opts.ExternalURL}
		if cfg.External != nil {
			external = *cfg.External
		}
		return NewExternal(external, r.opts.HTTPClient, r.opts.Secrets)
	}
	return nil, fmt.Errorf("unknown evaluator kind %q", kind)
}

func (r *Registry) caller(ctx context.Context, url string) (Caller, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("rpc url is required for onchain evaluators")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller, ok := r.callers[url]; ok {
		return caller, nil
	}
	caller, closeFn, err := r.opts.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	r.callers[url] = caller
	if closeFn != nil {
		r.closers = append(r.closers, closeFn)
	}
	return caller, nil
}

// Close releases every RPC client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, closeFn := range r.closers {
		closeFn()
	}
	r.closers = nil
	r.callers = make(map[string]Caller)
}
