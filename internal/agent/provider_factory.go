package agent

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent/gemini"
	"github.com/bindrap/notesWebApp/internal/agent/ollama"
	"github.com/bindrap/notesWebApp/internal/agent/textract"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// NewGatewayFromConfig builds the providers named in c and wraps them in a
// Gateway. Providers shared by both capabilities are created once.
func NewGatewayFromConfig(ctx context.Context, c cfg.ModelsConfig, log logger.Logger) (*Gateway, error) {
	f := &providerFactory{ctx: ctx, config: c, logger: log}

	rec, err := f.recognizer()
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	enh, err := f.enhancer()
	if err != nil {
		return nil, fmt.Errorf("failed to create enhancer: %w", err)
	}

	var opts []GatewayOption
	if c.Cache.Enabled {
		cache, closer := f.cache()
		opts = append(opts, WithCache(cache))
		if closer != nil {
			opts = append(opts, withCloser(closer))
		}
	}

	log.Info("Model gateway configured",
		logger.String("recognizer", rec.Name()),
		logger.String("enhancer", enh.Name()),
		logger.Bool("cache", c.Cache.Enabled),
	)
	return NewGateway(GatewayConfig{
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}, rec, enh, log, opts...), nil
}

type providerFactory struct {
	ctx    context.Context
	config cfg.ModelsConfig
	logger logger.Logger

	ollama *ollama.Client
	gemini *gemini.Client
}

func (f *providerFactory) recognizer() (Recognizer, error) {
	switch f.config.Recognizer {
	case "ollama":
		return f.ollamaClient(), nil
	case "gemini":
		return f.geminiClient()
	case "textract":
		return textract.NewRecognizer(f.ctx, f.config.Textract, f.logger)
	default:
		return nil, fmt.Errorf("unknown recognizer %q", f.config.Recognizer)
	}
}

func (f *providerFactory) enhancer() (Enhancer, error) {
	switch f.config.Enhancer {
	case "ollama":
		return f.ollamaClient(), nil
	case "gemini":
		return f.geminiClient()
	default:
		return nil, fmt.Errorf("unknown enhancer %q", f.config.Enhancer)
	}
}

func (f *providerFactory) ollamaClient() *ollama.Client {
	if f.ollama == nil {
		f.ollama = ollama.NewClient(f.config.Ollama, f.logger)
	}
	return f.ollama
}

func (f *providerFactory) geminiClient() (*gemini.Client, error) {
	if f.gemini == nil {
		c, err := gemini.NewClient(f.ctx, f.config.Gemini, f.logger)
		if err != nil {
			return nil, err
		}
		f.gemini = c
	}
	return f.gemini, nil
}

func (f *providerFactory) cache() (Cache, func() error) {
	cc := f.config.Cache
	if cc.RedisAddr == "" {
		return NewMemoryCache(cc.MaxEntries, cc.TTL), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cc.RedisAddr, DB: cc.RedisDB})
	return NewRedisCache(client, cc.TTL), client.Close
}
