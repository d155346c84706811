package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// Recognizer turns an image into text.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, image []byte, opts models.RecognizeOptions) (string, error)
}

// Enhancer rewrites text into structured Markdown.
type Enhancer interface {
	Name() string
	Enhance(ctx context.Context, text string, opts models.EnhanceOptions) (string, error)
}

// Pinger is implemented by providers that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type GatewayConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Gateway is the single entry point to the model providers. Every call is
// bounded by the configured timeout and optionally rate limited, and every
// error it returns wraps ErrModelUnavailable or ErrModelRejected.
type Gateway struct {
	recognizer Recognizer
	enhancer   Enhancer
	cache      Cache
	limiter    *rate.Limiter
	timeout    time.Duration
	closers    []func() error
	logger     logger.Logger
}

type GatewayOption func(*Gateway)

// WithCache memoizes successful results.
func WithCache(c Cache) GatewayOption {
	return func(g *Gateway) { g.cache = c }
}

func withCloser(fn func() error) GatewayOption {
	return func(g *Gateway) { g.closers = append(g.closers, fn) }
}

func NewGateway(cfg GatewayConfig, rec Recognizer, enh Enhancer, log logger.Logger, opts ...GatewayOption) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	g := &Gateway{
		recognizer: rec,
		enhancer:   enh,
		timeout:    cfg.Timeout,
		logger:     log.Named("gateway"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Recognize(ctx context.Context, image []byte, opts models.RecognizeOptions) (string, error) {
	key := cacheKey("recognize", g.recognizer.Name(), opts, image)
	return g.call(ctx, "recognize", key, func(ctx context.Context) (string, error) {
		return g.recognizer.Recognize(ctx, image, opts)
	})
}

func (g *Gateway) Enhance(ctx context.Context, text string, opts models.EnhanceOptions) (string, error) {
	key := cacheKey("enhance", g.enhancer.Name(), opts, []byte(text))
	return g.call(ctx, "enhance", key, func(ctx context.Context) (string, error) {
		return g.enhancer.Enhance(ctx, text, opts)
	})
}

// Ping checks every distinct provider that supports it.
func (g *Gateway) Ping(ctx context.Context) error {
	var errs error
	seen := make(map[interface{}]bool)
	for _, p := range []interface{}{g.recognizer, g.enhancer} {
		pinger, ok := p.(Pinger)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		if err := pinger.Ping(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if c, ok := g.cache.(Pinger); ok {
		errs = multierr.Append(errs, c.Ping(ctx))
	}
	return errs
}

// Close releases connections held by the gateway.
func (g *Gateway) Close() error {
	var errs error
	for _, fn := range g.closers {
		errs = multierr.Append(errs, fn())
	}
	return errs
}

// Providers names the configured recognizer and enhancer.
func (g *Gateway) Providers() (string, string) {
	return g.recognizer.Name(), g.enhancer.Name()
}

func (g *Gateway) call(ctx context.Context, op, key string, fn func(context.Context) (string, error)) (string, error) {
	log := logger.FromContext(ctx, g.logger).With(logger.String("op", op))

	if g.cache != nil {
		if val, ok, err := g.cache.Get(ctx, key); err != nil {
			log.Warn("Cache lookup failed", logger.Error(err))
		} else if ok {
			log.Debug("Cache hit")
			return val, nil
		}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", Classify(fmt.Errorf("rate limiter: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx)
	elapsed := time.Since(start)
	if err != nil {
		err = Classify(err)
		log.Warn("Model call failed", logger.Duration("elapsed", elapsed), logger.Error(err))
		return "", err
	}
	log.Debug("Model call succeeded", logger.Duration("elapsed", elapsed), logger.Int("chars", len(out)))

	if g.cache != nil {
		if err := g.cache.Set(ctx, key, out); err != nil {
			log.Warn("Cache store failed", logger.Error(err))
		}
	}
	return out, nil
}
