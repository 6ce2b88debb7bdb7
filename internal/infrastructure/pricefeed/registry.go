package pricefeed

import (
	"fmt"
	"sort"
	"strings"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/exchange/finnhub"
	"fxstream/internal/infrastructure/exchange/oanda"

	"github.com/rs/zerolog"
)

// Factory 根据 venue 配置创建 adapter
type Factory func(cfg port.VenueConfig) (port.VenueAdapter, error)

// Registry 按 kind 选择 adapter 实现；每个 gateway 各自持有一个实例
type Registry struct {
	factories map[string]Factory
	log       zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{factories: make(map[string]Factory), log: log}
}

// Default returns a registry with the built-in venues.
func Default(log zerolog.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(oanda.Kind, func(cfg port.VenueConfig) (port.VenueAdapter, error) {
		return oanda.New(cfg)
	})
	r.Register(finnhub.Kind, func(cfg port.VenueConfig) (port.VenueAdapter, error) {
		return finnhub.New(cfg)
	})
	return r
}

// Register 注册一个 adapter factory；同名覆盖
func (r *Registry) Register(kind string, f Factory) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if f == nil {
		r.log.Warn().Str("kind", kind).Msg("invalid adapter factory")
		return
	}
	if _, exists := r.factories[kind]; exists {
		r.log.Warn().Str("kind", kind).Msg("adapter factory already registered, overwriting")
	}
	r.factories[kind] = f
	r.log.Debug().Str("kind", kind).Msg("adapter factory registered")
}

func (r *Registry) Get(kind string) (Factory, bool) {
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(kind))]
	return f, ok
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New implements port.AdapterFactory.
func (r *Registry) New(cfg port.VenueConfig) (port.VenueAdapter, error) {
	f, ok := r.Get(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown venue kind %q (known: %s)", domain.ErrConfig, cfg.Kind, strings.Join(r.Kinds(), ", "))
	}
	return f(cfg)
}
