package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

// ClientFactory builds an LLMClient bound to one credential. Factories are
// injected so tests can substitute fakes for real provider SDKs.
type ClientFactory func(ctx context.Context, cred *Credential) (LLMClient, error)

// Gateway is the uniform entry point over heterogeneous generation backends.
//
// It owns the failover policy: cost-sensitive one-shot tasks prefer the
// low-cost secondary backend; conversational generation tries the primary
// backend once per available credential, rotating on rate limits, with the
// secondary as last resort. Errors surface only when every configured
// alternative has failed.
type Gateway struct {
	keyring          *Keyring
	primaryFactory   ClientFactory
	secondaryFactory ClientFactory
	onFailover       func()

	mu      sync.Mutex
	clients map[string]LLMClient
}

// errPartialOutput marks a stream failure after fragments already reached
// the caller. Re-streaming would duplicate committed output, so credential
// rotation and secondary fallback both stop on it.
var errPartialOutput = errors.New("provider stream failed after partial output")

// NewGateway wires a Gateway. keyring and primaryFactory are required;
// secondaryFactory may be nil when no low-cost backend is configured.
func NewGateway(keyring *Keyring, primaryFactory, secondaryFactory ClientFactory) *Gateway {
	if keyring == nil {
		panic("llm: NewGateway requires a keyring")
	}
	if primaryFactory == nil {
		panic("llm: NewGateway requires a primary client factory")
	}
	return &Gateway{
		keyring:          keyring,
		primaryFactory:   primaryFactory,
		secondaryFactory: secondaryFactory,
		clients:          make(map[string]LLMClient),
	}
}

// HasSecondary reports whether a low-cost backend is configured.
func (g *Gateway) HasSecondary() bool {
	return g.secondaryFactory != nil && g.keyring.PoolSize(ProviderSecondary) > 0
}

// SetFailoverNotifier registers a callback fired each time generation moves
// to another credential or backend after a failure. Must be set before the
// gateway serves requests.
func (g *Gateway) SetFailoverNotifier(fn func()) {
	g.onFailover = fn
}

func (g *Gateway) notifyFailover() {
	if g.onFailover != nil {
		g.onFailover()
	}
}

func (g *Gateway) clientFor(ctx context.Context, cred *Credential, factory ClientFactory) (LLMClient, error) {
	g.mu.Lock()
	if c, ok := g.clients[cred.ID]; ok {
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	c, err := factory(ctx, cred)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.clients[cred.ID] = c
	g.mu.Unlock()
	return c, nil
}

// InvokeOnce runs a non-streaming generation with full failover. Short
// extraction tasks set costSensitive to route to the secondary backend
// first when one exists.
func (g *Gateway) InvokeOnce(ctx context.Context, prompt string, params GenerationParams, costSensitive bool) (string, error) {
	var lastErr error
	secondaryTried := false

	if costSensitive && g.HasSecondary() {
		text, err := g.invokeSecondaryOnce(ctx, prompt, params)
		if err == nil {
			return text, nil
		}
		lastErr = err
		secondaryTried = true
		g.notifyFailover()
		slog.Warn("Secondary backend failed for cost-sensitive task, falling back to primary", "error", err)
	}

	text, err := g.invokePrimary(ctx, func(client LLMClient, cred *Credential) (string, error) {
		return client.Generate(ctx, prompt, params)
	})
	if err == nil {
		return text, nil
	}
	lastErr = err

	if !secondaryTried && g.HasSecondary() {
		g.notifyFailover()
		text, err = g.invokeSecondaryOnce(ctx, prompt, params)
		if err == nil {
			return text, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("all generation backends failed: %w", lastErr)
}

// GenerateStream runs conversational generation with failover, delivering
// fragments through the callback in generation order.
//
// Failover applies only while no fragment has been delivered yet; once
// output has reached the callback, a provider failure is propagated rather
// than retried, since re-streaming would duplicate committed fragments.
func (g *Gateway) GenerateStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	emitted := false
	guarded := func(ev StreamEvent) error {
		if ev.Type == StreamEventToken && ev.Content != "" {
			emitted = true
		}
		return callback(ev)
	}

	_, err := g.invokePrimary(ctx, func(client LLMClient, cred *Credential) (string, error) {
		serr := client.ChatStream(ctx, messages, params, guarded)
		if serr != nil && emitted {
			// Tag the failure so the rotation loop stops instead of
			// re-streaming committed fragments from the next credential.
			return "", fmt.Errorf("%w: %v", errPartialOutput, serr)
		}
		return "", serr
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errPartialOutput) {
		return err
	}
	lastErr := err

	if g.HasSecondary() {
		cred, kerr := g.keyring.SelectCredential(ProviderSecondary)
		if kerr == nil {
			g.notifyFailover()
			client, ferr := g.clientFor(ctx, cred, g.secondaryFactory)
			if ferr == nil {
				serr := client.ChatStream(ctx, messages, params, guarded)
				if serr == nil {
					g.keyring.ReportSuccess(cred)
					return nil
				}
				g.keyring.ReportFailure(cred)
				if emitted {
					return fmt.Errorf("%w: %v", errPartialOutput, serr)
				}
				lastErr = serr
			} else {
				lastErr = ferr
			}
		}
	}
	return fmt.Errorf("all generation backends failed: %w", lastErr)
}

// invokePrimary tries the primary backend once per available credential.
// Rate-limit failures rotate to the next credential immediately; any other
// failure aborts the loop.
func (g *Gateway) invokePrimary(ctx context.Context, attempt func(client LLMClient, cred *Credential) (string, error)) (string, error) {
	attempts := g.keyring.PoolSize(ProviderPrimary)
	if attempts == 0 {
		return "", &ErrPoolExhausted{Class: ProviderPrimary}
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cred, err := g.keyring.SelectCredential(ProviderPrimary)
		if err != nil {
			return "", err
		}
		client, err := g.clientFor(ctx, cred, g.primaryFactory)
		if err != nil {
			g.keyring.ReportFailure(cred)
			lastErr = err
			continue
		}
		text, err := attempt(client, cred)
		if err == nil {
			g.keyring.ReportSuccess(cred)
			return text, nil
		}
		g.keyring.ReportFailure(cred)
		lastErr = err
		if errors.Is(err, errPartialOutput) {
			break
		}
		if !IsRateLimitError(err) {
			slog.Warn("Primary backend failed with non-rate-limit error, aborting credential rotation",
				"credential_id", cred.ID, "error", err)
			break
		}
		if i+1 < attempts {
			g.notifyFailover()
		}
		slog.Info("Primary credential rate-limited, rotating", "credential_id", cred.ID)
	}
	return "", lastErr
}

func (g *Gateway) invokeSecondaryOnce(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	cred, err := g.keyring.SelectCredential(ProviderSecondary)
	if err != nil {
		return "", err
	}
	client, err := g.clientFor(ctx, cred, g.secondaryFactory)
	if err != nil {
		g.keyring.ReportFailure(cred)
		return "", err
	}
	text, err := client.Generate(ctx, prompt, params)
	if err != nil {
		g.keyring.ReportFailure(cred)
		return "", err
	}
	g.keyring.ReportSuccess(cred)
	return text, nil
}

// IsRateLimitError classifies provider errors that should rotate to the
// next credential instead of aborting the attempt loop.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == 429
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted")
}
