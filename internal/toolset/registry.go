// Package toolset assembles the optional external capabilities (ticketing,
// voice, research, web search, web fetch) once at startup. Stages ask the
// registry by name and skip whatever is absent.
package toolset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"go.uber.org/zap"
)

// Capability names.
const (
	Ticketing = "ticketing"
	Voice     = "voice"
	Research  = "research"
	WebSearch = "websearch"
	WebFetch  = "webfetch"
)

// Logical operations. MCP-backed capabilities map these onto the server's
// own tool names.
const (
	OpSimilarIncidents = "similar_incidents"
	OpKnowledge        = "knowledge"
	OpSpeak            = "speak"
	OpSearch           = "search"
	OpFetch            = "fetch"
)

// DefaultTimeout bounds a capability call when the registry has none set.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnavailable is returned for a capability that was not configured.
	ErrUnavailable = errors.New("capability not available")
	// ErrUnsupportedOp is returned when a capability cannot serve an op.
	ErrUnsupportedOp = errors.New("operation not supported")
)

// Capability is one external integration.
type Capability interface {
	Name() string
	Ops() []string
	Call(ctx context.Context, op string, args map[string]any) (string, error)
	Close() error
}

// Registry maps capability names to live capabilities. It is built once and
// read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry returns an empty registry; timeout <= 0 uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{caps: make(map[string]Capability), timeout: timeout, logger: telemetry.OrNop(logger)}
}

// Register adds or replaces a capability.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.caps[c.Name()]; ok {
		_ = old.Close()
	}
	r.caps[c.Name()] = c
}

// Has reports whether name is available. A nil registry has nothing.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Supports reports whether name is available and serves op.
func (r *Registry) Supports(name, op string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	for _, o := range c.Ops() {
		if o == op {
			return true
		}
	}
	return false
}

// Names lists available capabilities, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call invokes op on capability name under the registry timeout. Failures
// are reported as faults.CollaboratorError named after the capability.
func (r *Registry) Call(ctx context.Context, name, op string, args map[string]any) (string, error) {
	if r == nil {
		return "", faults.Collaborator(name, op, ErrUnavailable)
	}
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return "", faults.Collaborator(name, op, ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	out, err := c.Call(ctx, op, args)
	if err != nil {
		r.logger.Warn("capability call failed",
			zap.String("capability", name), zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", faults.Collaborator(name, op, err)
	}
	r.logger.Debug("capability call",
		zap.String("capability", name), zap.String("op", op),
		zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(out)))
	return out, nil
}

// Close shuts every capability down.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.caps {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	r.caps = make(map[string]Capability)
	return errors.Join(errs...)
}

// Build assembles the registry from configuration, enabling each
// capability only when its credential is present. A capability that fails
// to start is logged and skipped.
func Build(ctx context.Context, cfg config.ToolsConfig, logger *zap.Logger) *Registry {
	logger = telemetry.OrNop(logger)
	reg := NewRegistry(cfg.Timeout, logger)

	type mcpSpec struct {
		name    string
		enabled bool
		command string
		args    []string
		env     []string
		aliases map[string][]string
	}
	specs := []mcpSpec{
		{
			name:    Ticketing,
			enabled: strings.TrimSpace(cfg.ServiceNow.InstanceURL) != "",
			command: cfg.ServiceNow.Command,
			args:    cfg.ServiceNow.Args,
			env: []string{
				"SERVICENOW_INSTANCE_URL=" + cfg.ServiceNow.InstanceURL,
				"SERVICENOW_USERNAME=" + cfg.ServiceNow.Username,
				"SERVICENOW_PASSWORD=" + cfg.ServiceNow.Password,
				"SERVICENOW_AUTH_TYPE=basic",
			},
			aliases: ServiceNowAliases,
		},
		{
			name:    Voice,
			enabled: strings.TrimSpace(cfg.ElevenLabs.APIKey) != "",
			command: cfg.ElevenLabs.Command,
			args:    cfg.ElevenLabs.Args,
			env: []string{
				"ELEVENLABS_API_KEY=" + cfg.ElevenLabs.APIKey,
				"ELEVENLABS_MCP_OUTPUT_MODE=both",
			},
			aliases: ElevenLabsAliases,
		},
		{
			name:    Research,
			enabled: strings.TrimSpace(cfg.Perplexity.APIKey) != "",
			command: cfg.Perplexity.Command,
			args:    cfg.Perplexity.Args,
			env:     []string{"PERPLEXITY_API_KEY=" + cfg.Perplexity.APIKey},
			aliases: PerplexityAliases,
		},
	}
	for _, s := range specs {
		if !s.enabled {
			continue
		}
		c, err := DialStdio(ctx, s.name, s.command, s.env, s.args, s.aliases, reg.timeout)
		if err != nil {
			logger.Warn("capability skipped", zap.String("capability", s.name), zap.Error(err))
			continue
		}
		reg.Register(c)
		logger.Info("capability loaded", zap.String("capability", s.name), zap.Strings("ops", c.Ops()))
	}

	if searcher, err := NewSearcher(cfg.WebSearch); err == nil {
		reg.Register(NewWebSearch(searcher, cfg.WebSearch.MaxResults))
		logger.Info("capability loaded", zap.String("capability", WebSearch))
		reg.Register(NewWebFetch(cfg.Fetch))
		logger.Info("capability loaded", zap.String("capability", WebFetch), zap.String("mode", cfg.Fetch.Mode))
	}

	logger.Info("toolset ready", zap.Strings("capabilities", reg.Names()))
	return reg
}
