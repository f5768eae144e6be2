package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"osm402/pkg/audit"
	"osm402/pkg/auth"
	"osm402/pkg/escrow"
	"osm402/pkg/forge"
	"osm402/pkg/hardening"
	"osm402/pkg/httpx"
	"osm402/pkg/mandate"
	"osm402/pkg/metrics"
	"osm402/pkg/models"
	"osm402/pkg/ratelimit"
	"osm402/pkg/records"
	"osm402/pkg/review"
	"osm402/pkg/statebus"
	"osm402/pkg/store"
	"osm402/pkg/stream"
	"osm402/pkg/telemetry"
)

// Server wires the bounty pipeline: webhook intake, funding, merge
// handling, and payout execution.
type Server struct {
	DB       gatewayDB
	Records  recordStore
	Audit    auditStore
	Cache    store.Cache
	Lock     *store.Lock
	Escrow   escrow.Gateway
	Mandates *mandate.Builder
	Reviewer review.Reviewer
	Forge    forgeAPI
	Bus      statebus.Publisher
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Log      zerolog.Logger

	WebhookSecret       string
	BountyLabelPrefix   string
	BountyTTL           time.Duration
	DefaultAsset        string
	AssetDecimals       int
	AutoFund            bool
	PolicyPath          string
	ReviewTimeout       time.Duration
	ReviewMandatory     bool
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	IssueSweepInterval  time.Duration
	OperatorAuthMode    string
	OperatorAuthSecret  string
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type recordStore interface {
	GetIssue(ctx context.Context, repoKey string, number int64) (models.Issue, error)
	UpsertIssue(ctx context.Context, in models.Issue) (models.Issue, error)
	MarkIssueFunded(ctx context.Context, repoKey string, number int64, escrowAddress, intentHash, fundingTx string) (bool, error)
	SetIssueStatus(ctx context.Context, repoKey string, number int64, from, to string) (int64, error)
	ExpirePendingIssues(ctx context.Context, now time.Time) (int64, error)
	ListIssues(ctx context.Context, repoKey string, limit int) ([]models.Issue, error)
	GetPullRequest(ctx context.Context, repoKey string, number int64) (models.PullRequest, error)
	UpsertPullRequest(ctx context.Context, in models.PullRequest) (models.PullRequest, error)
	AttachPayoutAddress(ctx context.Context, repoKey string, prNumber int64, address string) error
	ListPullRequestsForIssue(ctx context.Context, repoKey string, issueNumber int64) ([]models.PullRequest, error)
	SetPullRequestStatus(ctx context.Context, repoKey string, number int64, status string) error
	GetPayout(ctx context.Context, repoKey string, prNumber int64) (models.Payout, error)
	GetActivePayoutForIssue(ctx context.Context, repoKey string, issueNumber int64) (models.Payout, error)
	CreatePayout(ctx context.Context, p models.Payout) (models.Payout, error)
	SetPayoutStatus(ctx context.Context, repoKey string, prNumber int64, from, to string) error
	SetPayoutMandates(ctx context.Context, repoKey string, prNumber int64, intentHash, cartHash string) error
	CompletePayout(ctx context.Context, repoKey string, prNumber int64, releaseTx string) error
	RecordDelivery(ctx context.Context, d models.WebhookDelivery) error
	NextNonce(ctx context.Context, scope string) (uint64, error)
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, decisionID string) (audit.Record, error)
}

type forgeAPI interface {
	PostIssueComment(ctx context.Context, repoKey string, number int64, body string) error
	ListPRFiles(ctx context.Context, repoKey string, prNumber int64) ([]forge.PRFile, error)
	ListCheckRuns(ctx context.Context, repoKey, sha string) ([]forge.CheckRun, error)
	GetFileContent(ctx context.Context, repoKey, ref, path string) ([]byte, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.expireIssuesLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", "development"),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", ""),
		SignerMode:            env("SIGNER_MODE", "mock"),
		EscrowMode:            env("ESCROW_MODE", "mock"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.SecretRequirement{
			{Name: "WEBHOOK_SECRET", Value: env("WEBHOOK_SECRET", "")},
			{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/locks: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "gateway").Logger()

	maintainer, agent, err := buildSigners()
	if err != nil {
		return err
	}
	params := mandate.Params{
		ChainID:           uint64(envInt("CHAIN_ID", 8453)),
		VerifyingContract: env("ESCROW_VERIFYING_CONTRACT", "0x0000000000000000000000000000000000000402"),
	}

	gateway, err := buildEscrowGateway(logger)
	if err != nil {
		return err
	}

	var reviewer review.Reviewer = review.Disabled{}
	reviewMandatory := false
	if key := env("REVIEW_API_KEY", ""); key != "" {
		reviewer = review.NewClient(review.Config{
			Key:     key,
			Model:   env("REVIEW_MODEL", ""),
			BaseURL: env("REVIEW_BASE_URL", ""),
		}, logger)
		reviewMandatory = env("REVIEW_MANDATORY", "true") == "true"
	}

	var bus statebus.Publisher = statebus.Noop{}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "osm402.payouts"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		bus = publisher
		defer bus.Close()
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		DB:       pool,
		Records:  records.New(pool),
		Audit:    &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", "")), Redact: env("AUDIT_REDACT", "false") == "true"},
		Cache:    cache,
		Lock:     store.NewLock(cache, time.Second*time.Duration(envInt("PAYOUT_LOCK_TTL_SEC", 120))),
		Escrow:   gateway,
		Mandates: mandate.NewBuilder(params, maintainer, agent),
		Reviewer: reviewer,
		Forge: forge.NewClient(forge.Config{
			BaseURL: env("FORGE_BASE_URL", ""),
			Token:   env("FORGE_TOKEN", ""),
			Timeout: time.Millisecond * time.Duration(envInt("FORGE_TIMEOUT_MS", 10000)),
		}, logger),
		Bus:     bus,
		Events:  stream.NewHub(),
		Metrics: metrics.NewRegistry(),
		Log:     logger,

		WebhookSecret:       env("WEBHOOK_SECRET", ""),
		BountyLabelPrefix:   env("BOUNTY_LABEL_PREFIX", "bounty:"),
		BountyTTL:           time.Hour * 24 * time.Duration(envInt("BOUNTY_TTL_DAYS", 30)),
		DefaultAsset:        env("BOUNTY_ASSET", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		AssetDecimals:       envInt("BOUNTY_ASSET_DECIMALS", 6),
		AutoFund:            env("AUTO_FUND", "false") == "true",
		PolicyPath:          env("POLICY_PATH", ".osm402.yml"),
		ReviewTimeout:       time.Second * time.Duration(envInt("REVIEW_TIMEOUT_SEC", 30)),
		ReviewMandatory:     reviewMandatory,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		IssueSweepInterval:  time.Second * time.Duration(envInt("ISSUE_SWEEP_INTERVAL_SEC", 60)),
		OperatorAuthMode:    env("OPERATOR_AUTH_MODE", "off"),
		OperatorAuthSecret:  env("OPERATOR_AUTH_SECRET", ""),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := s.routes()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/webhooks/forge", s.rateLimited(s.handleWebhook))
	r.Post("/v1/fund", s.rateLimited(s.handleFund))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.OperatorAuthMode, s.OperatorAuthSecret))
		if strings.EqualFold(s.OperatorAuthMode, "hs256") {
			r.Use(auth.RequireRole("operator", "admin"))
		}
		r.Post("/v1/payouts/execute", s.handlePayoutExecute)
	})
	r.Get("/v1/payouts/{repo_owner}/{repo_name}/{pr_number}", s.getPayout)
	r.Get("/v1/issues", s.listIssues)
	r.Get("/v1/stream", s.streamEvents)
	return r
}

func buildSigners() (mandate.Signer, mandate.Signer, error) {
	mode := env("SIGNER_MODE", "mock")
	if mode == "mock" {
		return mandate.MockSigner{}, mandate.MockSigner{}, nil
	}
	maintainer, err := mandate.NewEd25519Signer(env("MAINTAINER_KEY_HEX", ""))
	if err != nil {
		return nil, nil, fmt.Errorf("maintainer key: %w", err)
	}
	agent, err := mandate.NewEd25519Signer(env("AGENT_KEY_HEX", ""))
	if err != nil {
		return nil, nil, fmt.Errorf("agent key: %w", err)
	}
	return maintainer, agent, nil
}

func buildEscrowGateway(logger zerolog.Logger) (escrow.Gateway, error) {
	if env("ESCROW_MODE", "mock") == "mock" {
		return escrow.NewMock(), nil
	}
	return escrow.NewHTTPGateway(escrow.Config{
		BaseURL:      env("ESCROW_BASE_URL", ""),
		APIKey:       env("ESCROW_API_KEY", ""),
		Timeout:      time.Millisecond * time.Duration(envInt("ESCROW_TIMEOUT_MS", 15000)),
		PollInterval: time.Millisecond * time.Duration(envInt("ESCROW_POLL_INTERVAL_MS", 2000)),
	}, logger)
}

// checkSignerPairing rejects live-escrow/mock-signer combinations. Called
// at every point of use, not at startup, because parts of the pairing are
// environment-driven.
func (s *Server) checkSignerPairing() error {
	maintainerMode, agentMode := s.Mandates.SignerModes()
	mockSigner := maintainerMode == mandate.ModeMock || agentMode == mandate.ModeMock
	if s.Escrow.Live() && mockSigner {
		return errors.New("live escrow gateway paired with mock signer")
	}
	if !s.Escrow.Live() && !mockSigner {
		return errors.New("mock escrow gateway paired with live signer")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		key := "rl:" + r.URL.Path + ":" + remoteIP(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		h(w, r)
	}
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) publish(kind string, data any) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(kind, data))
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
