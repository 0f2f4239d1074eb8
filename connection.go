package lightodm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lightodm/lightodm-go/pkg/logger"
)

// connectTimeout bounds the initial connect+ping of the blocking client.
const connectTimeout = 10 * time.Second

// Connection owns one blocking client and one context-mode client,
// constructed from a single resolved configuration. All document types in
// a process normally share the package-level default; separate Connection
// values exist for callers that need an isolated client pair.
//
// The blocking client is built eagerly on Configure (or first use). The
// context-mode client is built lazily on the first context call, so that
// applications which never use context-mode operations pay for one client
// only. Construction is mutex-guarded; steady-state handle retrieval is a
// lock-free atomic read.
type Connection struct {
	mu        sync.Mutex
	cfg       atomic.Pointer[Config]
	client    atomic.Pointer[mongo.Client]
	ctxClient atomic.Pointer[mongo.Client]
}

var defaultConn Connection

// DefaultConnection returns the process-wide connection shared by all
// Base values that do not override handle resolution.
func DefaultConnection() *Connection { return &defaultConn }

// Configure resolves the effective configuration for the default
// connection. See (*Connection).Configure.
func Configure(url, user, password, db string) (*Config, error) {
	return defaultConn.Configure(url, user, password, db)
}

// Reset releases the default connection's clients and configuration.
func Reset() { defaultConn.Reset() }

// Shutdown releases the default connection's clients, keeping the
// resolved configuration. Call once at process exit.
func Shutdown(ctx context.Context) { defaultConn.Shutdown(ctx) }

// Configure merges explicit arguments over MONGO_* environment values,
// stores the result and eagerly constructs the blocking client. Empty
// arguments fall back to the environment. Returns ErrConfiguration when
// URL or database name cannot be resolved.
func (c *Connection) Configure(url, user, password, db string) (*Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, err := resolveConfig(url, user, password, db)
	if err != nil {
		return nil, err
	}
	c.cfg.Store(cfg)
	if c.client.Load() == nil {
		cl, err := connectClient(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		c.client.Store(cl)
		logger.Infof("connected blocking client to %s/%s", cfg.URL, cfg.Database)
	}
	return cfg, nil
}

// Collection returns a blocking-mode handle for the named collection,
// resolving configuration from the environment and constructing the
// blocking client if Configure was never called.
func (c *Connection) Collection(name string) (CollectionHandle, error) {
	cl := c.client.Load()
	if cl == nil {
		var err error
		if cl, err = c.initBlocking(); err != nil {
			return nil, err
		}
	}
	cfg := c.cfg.Load()
	return NewMongoHandle(cl.Database(cfg.Database).Collection(name)), nil
}

// ContextCollection returns a context-mode handle for the named
// collection. The context-mode client is constructed on first call; the
// first caller wins and concurrent callers block until the instance is
// committed.
func (c *Connection) ContextCollection(ctx context.Context, name string) (CollectionHandle, error) {
	cl := c.ctxClient.Load()
	if cl == nil {
		var err error
		if cl, err = c.initContext(ctx); err != nil {
			return nil, err
		}
	}
	cfg := c.cfg.Load()
	return NewMongoHandle(cl.Database(cfg.Database).Collection(name)), nil
}

func (c *Connection) initBlocking() (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl := c.client.Load(); cl != nil {
		return cl, nil
	}
	cfg, err := c.resolveLocked()
	if err != nil {
		return nil, err
	}
	cl, err := connectClient(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	c.client.Store(cl)
	logger.Infof("connected blocking client to %s/%s", cfg.URL, cfg.Database)
	return cl, nil
}

func (c *Connection) initContext(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl := c.ctxClient.Load(); cl != nil {
		return cl, nil
	}
	cfg, err := c.resolveLocked()
	if err != nil {
		return nil, err
	}
	cl, err := connectClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.ctxClient.Store(cl)
	logger.Infof("connected context client to %s/%s", cfg.URL, cfg.Database)
	return cl, nil
}

// resolveLocked returns the stored configuration, resolving it from the
// environment on first use. Caller holds c.mu.
func (c *Connection) resolveLocked() (*Config, error) {
	if cfg := c.cfg.Load(); cfg != nil {
		return cfg, nil
	}
	cfg, err := resolveConfig("", "", "", "")
	if err != nil {
		return nil, err
	}
	c.cfg.Store(cfg)
	return cfg, nil
}

// Reset releases both clients and clears the resolved configuration,
// restoring a clean state. Primarily a test seam.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(context.Background())
	c.cfg.Store(nil)
	logger.Debugf("connection reset")
}

// Shutdown releases both clients, best effort. Idempotent and safe to
// call even if no client was ever created. The resolved configuration is
// kept so a later call can reconnect.
func (c *Connection) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(ctx)
	logger.Debugf("connection shut down")
}

func (c *Connection) disconnectLocked(ctx context.Context) {
	if cl := c.client.Swap(nil); cl != nil {
		if err := cl.Disconnect(ctx); err != nil {
			logger.Warnf("disconnect blocking client: %v", err)
		}
	}
	if cl := c.ctxClient.Swap(nil); cl != nil {
		if err := cl.Disconnect(ctx); err != nil {
			logger.Warnf("disconnect context client: %v", err)
		}
	}
}

// connectClient opens a client and verifies the connection with a ping.
func connectClient(ctx context.Context, cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	opts := options.Client().ApplyURI(cfg.URL)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}
