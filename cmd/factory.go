// File: cmd/factory.go
package cmd

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/network"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/cdpnet"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/engine"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/observability"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/rules"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/store"
)

// Components holds all the initialized services required for a run.
type Components struct {
	Store      store.Repository
	Rules      *rules.Store
	Registry   *scriptlet.Registry
	Transport  *network.Client
	Navigator  *cdpnet.Navigator
	Worker     *engine.PageWorker
	TaskEngine *engine.TaskEngine
}

// Shutdown releases resources in reverse order of creation.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.TaskEngine != nil {
		c.TaskEngine.Stop()
		logger.Debug("Task engine stopped.")
	}
	if c.Store != nil {
		c.Store.Close()
		logger.Debug("Store closed.")
	}
	logger.Debug("All run components shut down.")
}

// FactoryOptions are the per-invocation inputs that are not part of the
// configuration file.
type FactoryOptions struct {
	// RuleFiles and RuleLines are loaded in addition to the configured ones.
	RuleFiles []string
	RuleLines []string
	// Browser enables the chromedp navigator.
	Browser bool
	// SkipStore leaves Components.Store nil regardless of configuration.
	SkipStore bool
}

// ComponentFactory creates the set of components needed for a run.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, opts FactoryOptions) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires rules, transport, registry, store and engine together.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, opts FactoryOptions) (*Components, error) {
	logger := observability.GetLogger()
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Rules
	ruleStore, err := loadRules(logger, cfg.Rules, opts)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Rules = ruleStore
	logger.Debug("Rules loaded.", zap.Int("rules", ruleStore.Len()))

	// 2. Transport
	transport, err := newTransport(cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Transport = transport

	// 3. Store
	if !opts.SkipStore {
		repo, err := store.Open(ctx, cfg.Store, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to open store: %w", err)
			return nil, initializationErr
		}
		components.Store = repo
	}

	// 4. Worker
	components.Registry = scriptlet.NewRegistry()
	recorder := observability.NewEventLogger(logger)
	workerOpts := []engine.PageWorkerOption{
		engine.WithRules(ruleStore),
		engine.WithRecorder(recorder),
	}
	if opts.Browser {
		components.Navigator = cdpnet.NewNavigator(cfg.CDP, cfg.Page.Settle, logger)
		components.Navigator.SetRecorder(recorder)
		workerOpts = append(workerOpts, engine.WithNavigator(components.Navigator))
	}
	components.Worker = engine.NewPageWorker(cfg, logger, transport, components.Registry, workerOpts...)

	// 5. Task Engine
	var persister engine.Store
	if components.Store != nil {
		persister = components.Store
	}
	components.TaskEngine = engine.New(cfg, logger, persister, components.Worker)
	logger.Debug("Task engine initialized.")

	return components, nil
}

func loadRules(logger *zap.Logger, cfg config.RulesConfig, opts FactoryOptions) (*rules.Store, error) {
	s := rules.NewStore(logger)
	for _, path := range append(append([]string{}, cfg.Files...), opts.RuleFiles...) {
		n, err := s.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules from %s: %w", path, err)
		}
		logger.Info("Loaded rule file", zap.String("path", path), zap.Int("rules", n))
	}
	for _, line := range append(append([]string{}, cfg.Inline...), opts.RuleLines...) {
		if err := s.AddLine(line); err != nil {
			return nil, fmt.Errorf("invalid rule %q: %w", line, err)
		}
	}
	return s, nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) (*network.Client, error) {
	clientCfg := network.NewBrowserClientConfig()
	clientCfg.Logger = logger
	clientCfg.AllowFiles = true
	clientCfg.InsecureSkipVerify = cfg.Network.InsecureSkipVerify
	clientCfg.Headers = cfg.Network.Headers
	clientCfg.UserAgent = cfg.Page.UserAgent
	if cfg.Network.Timeout > 0 {
		clientCfg.RequestTimeout = cfg.Network.Timeout
	}
	if cfg.Page.MaxBodySize > 0 {
		clientCfg.MaxBodySize = cfg.Page.MaxBodySize
	}
	if cfg.Network.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Network.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid network.proxy: %w", err)
		}
		clientCfg.ProxyURL = proxyURL
	}
	return network.NewClient(clientCfg), nil
}
