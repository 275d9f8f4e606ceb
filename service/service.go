package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/fact/config"
	"github.com/InsulaLabs/fact/db/store"
	"github.com/InsulaLabs/fact/filetree"
	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/InsulaLabs/fact/scheduler"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	categoryDefault  = "default"
	categoryUpload   = "upload"
	categoryIntercom = "intercom"

	limiterTTL = time.Minute
)

type Config struct {
	Logger    *slog.Logger
	Store     *store.Store
	Registry  *plugins.Registry
	Scheduler *scheduler.Scheduler
	Tree      *filetree.Builder

	// Intercom is mounted at /intercom when set (websocket mode).
	Intercom http.Handler
	// Workers reports connected remote workers. Optional.
	Workers func() int

	RateLimit       config.RateLimiterConfig
	UploadRateLimit config.RateLimiterConfig
	TrustedProxies  []string
	MaxUploadSize   int64
	MaxDepth        int

	// Runs started by uploads live as long as this context, not the
	// request that created them.
	AppCtx context.Context
}

type Service struct {
	logger *slog.Logger
	cfg    Config

	trusted      map[string]struct{}
	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
	limits       map[string]config.RateLimiterConfig

	startedAt time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Scheduler == nil || cfg.Tree == nil {
		return nil, errors.New("service: store, registry, scheduler and tree builder are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AppCtx == nil {
		cfg.AppCtx = context.Background()
	}
	if cfg.UploadRateLimit.Limit == 0 {
		cfg.UploadRateLimit = cfg.RateLimit
	}

	s := &Service{
		logger:       cfg.Logger.WithGroup("service"),
		cfg:          cfg,
		trusted:      make(map[string]struct{}),
		rateLimiters: make(map[string]*ttlcache.Cache[string, *rate.Limiter]),
		limits: map[string]config.RateLimiterConfig{
			categoryDefault:  cfg.RateLimit,
			categoryUpload:   cfg.UploadRateLimit,
			categoryIntercom: cfg.RateLimit,
		},
		startedAt: time.Now(),
	}
	for _, proxy := range cfg.TrustedProxies {
		s.trusted[proxy] = struct{}{}
	}

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}
	for category, rl := range s.limits {
		if rl.Limit > 0 {
			s.rateLimiters[category] = makeCategoryRateLimiter()
			s.logger.Info("initialized rate limiter", "category", category, "limit", rl.Limit, "burst", rl.Burst)
		}
	}
	return s, nil
}

// Handler returns the routes of the REST surface.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, category string, h http.HandlerFunc) {
		mux.Handle(pattern, s.rateLimitMiddleware(h, category))
	}

	route("GET /rest/status", categoryDefault, s.statusHandler)
	route("POST /rest/firmware", categoryUpload, s.uploadHandler)
	route("GET /rest/firmware/{uid}/tree", categoryDefault, s.treeHandler)
	route("GET /rest/file_object/{uid}", categoryDefault, s.objectHandler)
	route("GET /rest/file_object/{uid}/parents", categoryDefault, s.parentsHandler)
	route("GET /rest/runs/{id}", categoryDefault, s.runHandler)
	route("GET /rest/missing_analyses", categoryDefault, s.missingAnalysesHandler)
	if s.cfg.Intercom != nil {
		mux.Handle("GET /intercom", s.rateLimitMiddleware(s.cfg.Intercom, categoryIntercom))
	}
	return mux
}

// Close stops the limiter caches.
func (s *Service) Close() {
	for _, cache := range s.rateLimiters {
		cache.Stop()
	}
}

func (s *Service) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if _, ok := s.trusted[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

// getRateLimiter returns the limiter of the caller for category, nil when
// the category is not limited.
func (s *Service) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := s.rateLimiters[category]
	if !ok {
		return nil
	}
	ip := s.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rl := s.limits[category]
		limiter := rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, limiterTTL)
	}
	return limiterItem.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			s.writeError(w, r, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("could not encode response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, models.ErrorResponse{Error: msg, Request: r.URL.Path})
}

// statusFor maps a lookup or storage error to a response code.
func statusFor(err error) int {
	var nf *store.ErrObjectNotFound
	var unavailable *store.StorageUnavailable
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
