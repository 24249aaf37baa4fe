// Package web renders the HTML dashboard, explorer and wallet pages. Forms
// on the wallet pages submit to the JSON API through static/app.js so login
// throttling, audit logging and CSRF checks stay in one place.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jmcleod/nodedash/api"
	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/wallet"
)

//go:embed templates/*.html static/*
var content embed.FS

var pageNames = []string{
	"health", "explorer", "login", "register", "totp",
	"dashboard", "receive", "send", "settings",
}

// Pages serves the server-rendered UI.
type Pages struct {
	node     *node.Service
	wallets  *wallet.Service
	sessions *session.Manager
	logger   *slog.Logger

	pages  map[string]*template.Template
	static http.Handler
}

// Option configures Pages.
type Option func(*Pages)

// WithLogger sets the logger used for render and node failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pages) { p.logger = logger }
}

// New parses the embedded templates. It fails only if the embedded assets
// are broken.
func New(nodeSvc *node.Service, wallets *wallet.Service, sessions *session.Manager, opts ...Option) (*Pages, error) {
	p := &Pages{
		node:     nodeSvc,
		wallets:  wallets,
		sessions: sessions,
		logger:   slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		pages:    make(map[string]*template.Template, len(pageNames)),
	}
	for _, opt := range opts {
		opt(p)
	}

	funcs := templateFuncs()
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(content, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		p.pages[name] = t
	}

	staticFS, err := fs.Sub(content, "static")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	p.static = http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
	return p, nil
}

// Mount registers the page routes on r. It is meant to be passed to
// api.(*API).Handler so pages share the session and CSRF middleware.
func (p *Pages) Mount(r chi.Router) {
	r.Handle("/static/*", p.static)

	r.Get("/", p.Health)
	r.Get("/explorer", p.Explorer)

	r.Get("/wallet", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/wallet/dashboard", http.StatusFound)
	})
	r.Get("/wallet/login", p.Login)
	r.Get("/wallet/register", p.Register)
	r.Get("/wallet/totp", p.TOTP)
	r.Post("/wallet/logout", p.Logout)

	r.Group(func(r chi.Router) {
		r.Use(p.requireWallet)
		r.Get("/wallet/dashboard", p.Dashboard)
		r.Get("/wallet/receive", p.Receive)
		r.Get("/wallet/send", p.Send)
		r.Get("/wallet/settings", p.Settings)
	})
}

// layoutData is embedded in every page's view model.
type layoutData struct {
	Title  string
	Active string
	User   *session.UserRef
	CSRF   string
	Error  string
}

func (p *Pages) layout(r *http.Request, title, active string) layoutData {
	d := layoutData{Title: title, Active: active, CSRF: api.CSRFToken(r)}
	if sess := session.FromContext(r.Context()); sess != nil {
		d.User = sess.User
	}
	return d
}

// render executes a page into a buffer first so a template error never
// leaves a half-written response.
func (p *Pages) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := p.pages[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		p.logger.Error("render page", "page", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func templateFuncs() template.FuncMap {
	printer := message.NewPrinter(language.English)
	return template.FuncMap{
		"bytes":  formatBytes,
		"int":    func(n int64) string { return printer.Sprintf("%d", n) },
		"coins":  func(v float64) string { return printer.Sprintf("%.8f", v) },
		"yesno":  yesNo,
		"unix":   formatUnix,
		"millis": func(t time.Time) int64 { return t.UnixMilli() },
	}
}

// formatBytes renders n with binary units: 0 decimals for bytes, 2 above.
func formatBytes(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	x := float64(n)
	i := 0
	for x >= 1024 && i < len(units)-1 {
		x /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", n, units[0])
	}
	return fmt.Sprintf("%.2f %s", x, units[i])
}

func formatUnix(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
