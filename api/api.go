package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/wallet"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	node        *node.Service
	wallets     *wallet.Service
	sessions    *session.Manager
	rateLimiter *loginRateLimiter
	ipLimiter   *loginRateLimiter
	totpLimiter *loginRateLimiter
	audit       *auditLogger
	limits      Limits
	stream      StreamTiming
	accessLog   bool

	trustedProxies []netip.Prefix
	webhook        *auditWebhook
}

// Limits caps the size of explorer list queries.
type Limits struct {
	BlocksMax  int
	MempoolMax int
}

// DefaultLimits mirrors the node dashboard defaults.
var DefaultLimits = Limits{BlocksMax: 50, MempoolMax: 200}

// StreamTiming controls the event stream cadence.
type StreamTiming struct {
	Stats     time.Duration
	KeepAlive time.Duration
}

// DefaultStreamTiming pushes stats every 2.5s and a keep-alive comment every 15s.
var DefaultStreamTiming = StreamTiming{Stats: 2500 * time.Millisecond, KeepAlive: 15 * time.Second}

//go:embed openapi.yaml
var openapiDoc []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		prev := a.audit
		a.audit = newAuditLogger(logger)
		if prev != nil {
			a.audit.metrics = prev.metrics
			a.audit.webhook = prev.webhook
		}
	}
}

// WithAlertFunc enables anomaly detection on audit events.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.ensureAudit()
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// WithAuditWebhook forwards every audit event to url. header, if set, is a
// "Name: value" pair added to each delivery.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		if url == "" {
			return
		}
		a.ensureAudit()
		a.webhook = newAuditWebhook(url, header)
		a.audit.webhook = a.webhook
	}
}

// WithLimits overrides the explorer list caps.
func WithLimits(l Limits) Option {
	return func(a *API) { a.limits = l }
}

// WithStreamTiming overrides the event stream intervals.
func WithStreamTiming(t StreamTiming) Option {
	return func(a *API) { a.stream = t }
}

// WithAccessLog enables chi's request logger on the root handler.
func WithAccessLog(enabled bool) Option {
	return func(a *API) { a.accessLog = enabled }
}

// WithTrustedProxies lists the CIDRs whose forwarding headers are believed
// when attributing login failures to a client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

func (a *API) ensureAudit() {
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
}

// New creates a new API instance.
func New(nodeSvc *node.Service, wallets *wallet.Service, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		node:        nodeSvc,
		wallets:     wallets,
		sessions:    sessions,
		rateLimiter: newLoginRateLimiter(accountLimit),
		ipLimiter:   newLoginRateLimiter(ipLimit),
		totpLimiter: newLoginRateLimiter(accountLimit),
		limits:      DefaultLimits,
		stream:      DefaultStreamTiming,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ensureAudit()
	if a.webhook != nil {
		a.webhook.logger = a.audit.logger
	}
	return a
}

// Close flushes the audit webhook, if any.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all routes meant to live under /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Get("/blocks", a.ListBlocks)
	r.Get("/block/{id}", a.GetBlock)
	r.Get("/tx/{txid}", a.GetTransaction)
	r.Get("/mempool", a.GetMempool)
	r.Get("/address/{addr}", a.ScanAddress)
	r.Get("/stream", a.Stream)

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/logout", a.Logout)
	r.Get("/auth/me", a.Me)

	r.Get("/totp/status", a.TOTPStatus)
	r.Post("/totp/verify", a.VerifyTOTP)
	r.With(a.RequireAuthorized).Post("/totp/enroll", a.EnrollTOTP)
	r.With(a.RequireAuthorized).Post("/totp/enable", a.EnableTOTP)
	r.With(a.RequireAuthorized).Post("/totp/disable", a.DisableTOTP)

	r.With(a.RequireAuthorized).Get("/settings", a.GetSettings)
	r.With(a.RequireAuthorized).Post("/settings", a.UpdateSettings)

	r.Route("/wallet", func(r chi.Router) {
		r.Use(a.RequireAuthorized)
		r.Get("/summary", a.WalletSummary)
		r.Post("/create", a.CreateWallet)
		r.Post("/receive/new", a.NewAddress)
		r.Get("/txs", a.ListTransactions)
		r.Post("/unlock", a.UnlockSpend)
		r.With(a.RequireSpendUnlocked).Post("/send", a.Send)
		r.Get("/descriptors/export", a.ExportDescriptors)
		r.Post("/descriptors/import", a.ImportDescriptors)
	})

	return r
}

// Mount registers the /api tree plus the top-level health check and
// explorer short links on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/health", a.Health)
	r.Get("/b/{id}", redirectTo("/api/block/", "id"))
	r.Get("/t/{txid}", redirectTo("/api/tx/", "txid"))
	r.Mount("/api", a.Router())
}

// Handler builds the root handler: security headers, session idle guard
// and CSRF checks wrap every route. mounts add further route trees (the
// HTML pages) behind the same middleware.
func (a *API) Handler(mounts ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if a.accessLog {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(a.SessionMiddleware)
	r.Use(a.CSRFMiddleware)

	a.Mount(r)
	for _, m := range mounts {
		m(r)
	}
	return r
}
