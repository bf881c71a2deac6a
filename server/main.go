package main

import (
	"fmt"
	"html/template"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/icco/gutil/logging"
	"github.com/jessevdk/go-flags"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/unrolled/secure"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/govtt/govtt"
)

var (
	// Renderer is a renderer for all occasions. These are our preferred default options.
	// See:
	//  - https://github.com/unrolled/render/blob/v1/README.md
	//  - https://godoc.org/gopkg.in/unrolled/render.v1
	Renderer = render.New(render.Options{
		Charset:                   "UTF-8",
		Directory:                 "views",
		DisableHTTPErrorRendering: false,
		Extensions:                []string{".tmpl", ".html"},
		IndentJSON:                false,
		IndentXML:                 true,
		Layout:                    "layout",
		RequirePartials:           true,
		Funcs:                     []template.FuncMap{template.FuncMap{}},
	})

	log       = logging.Must(logging.NewLogger(govtt.Service))
	ugcPolicy = bluemonday.StrictPolicy()
)

type options struct {
	Localhost bool   `long:"localhost" description:"bind to 127.0.0.1 only"`
	Debug     bool   `long:"debug" description:"log at debug level"`
	Quiet     bool   `long:"quiet" description:"log errors only"`
	LogLevel  string `long:"loglevel" description:"log level (debug, info, warn, error)"`
	NoLogs    bool   `long:"no-logs" description:"disable request logging"`
	AppName   string `long:"appname" description:"application name, sets the default data directory"`
	PrefDir   string `long:"prefdir" description:"data directory override"`
	Port      string `long:"port" description:"listen port override"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalw("bad configuration", zap.Error(err))
	}
	if opts.AppName != "" {
		cfg.AppName = opts.AppName
	}
	if opts.PrefDir != "" {
		cfg.PrefDir = opts.PrefDir
	}
	if opts.Port != "" {
		cfg.Port = opts.Port
	}
	switch {
	case opts.Debug:
		cfg.LogLevel = "debug"
	case opts.Quiet:
		cfg.LogLevel = "error"
	case opts.LogLevel != "":
		cfg.LogLevel = opts.LogLevel
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		log.Fatalw("bad log level", "level", cfg.LogLevel, zap.Error(err))
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		log.Fatalw("could not start engine", zap.Error(err))
	}
	if err := engine.loadOfflineGms(); err != nil {
		log.Fatalw("could not preload caches", zap.Error(err))
	}

	cleaner := &Cleaner{engine: engine}
	go cleaner.Run(make(chan struct{}))

	isDev := os.Getenv("NAT_ENV") != "production"

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(recoverMiddleware)
	if !opts.NoLogs {
		r.Use(logging.Middleware(log.Desugar()))
	}

	r.Use(cors.New(cors.Options{
		AllowCredentials:   true,
		OptionsPassthrough: true,
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:     []string{"Link"},
		MaxAge:             300, // Maximum value not ignored by any of major browsers
	}).Handler)

	r.NotFound(notFoundHandler)

	// Stuff that does not ssl redirect
	r.Group(func(r chi.Router) {
		r.Use(secure.New(secure.Options{
			BrowserXssFilter:   true,
			ContentTypeNosniff: true,
			FrameDeny:          true,
			HostsProxyHeaders:  []string{"X-Forwarded-Host"},
			IsDevelopment:      isDev,
			SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		}).Handler)

		r.Get("/healthz", healthCheckHandler)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	})

	// Everything that does SSL only
	r.Group(func(r chi.Router) {
		r.Use(secure.New(secure.Options{
			BrowserXssFilter:     true,
			ContentTypeNosniff:   true,
			FrameDeny:            true,
			HostsProxyHeaders:    []string{"X-Forwarded-Host"},
			IsDevelopment:        isDev,
			SSLProxyHeaders:      map[string]string{"X-Forwarded-Proto": "https"},
			SSLRedirect:          !isDev && cfg.SSL,
			STSIncludeSubdomains: true,
			STSPreload:           true,
			STSSeconds:           315360000,
		}).Handler)

		r.Get("/", engine.rootHandler)
		r.Post("/vtt/join", engine.handleJoin)
		r.Post("/vtt/import-game", engine.handleImportGame)
		r.Post("/vtt/import-game/{url}", engine.handleImportGame)
		r.Post("/vtt/upload/{gm}/{game}", engine.handleUpload)
		r.Get("/vtt/export-game/{game}", engine.handleExportGame)
		r.Get("/vtt/thumbnail/{gm}/{game}", engine.handleThumbnail)
		r.Get("/vtt/thumbnail/{gm}/{game}/{scene}", engine.handleThumbnail)
		r.Get("/vtt/websocket", engine.handleWebsocket)
		r.Get("/vtt/api/status", engine.handleStatus)
		r.Post("/vtt/admin/cleanup", engine.handleAdminCleanup)
		r.Get("/vtt/admin/export/{gm}/{game}", engine.handleAdminExport)
		r.Get("/vtt/error/{id}", handleErrorPage)
		r.Get("/asset/{gm}/{game}/{file}", engine.handleAsset)
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(engine.paths.StaticDir()))))
	})

	addr := ":" + cfg.Port
	if opts.Localhost {
		addr = "127.0.0.1:" + cfg.Port
	}
	log.Infow("Starting up", "host", fmt.Sprintf("http://localhost:%s", cfg.Port))
	log.Fatal(http.ListenAndServe(addr, r))
}

func (e *Engine) rootHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `
<html>
  <head>
    <title>%s</title>
  </head>
  <body>
    <h1>%s</h1>
    <ul>
      <li>Post "/vtt/join"</li>
      <li>Post "/vtt/import-game/{url}"</li>
      <li>Post "/vtt/upload/{gm}/{game}"</li>
      <li>Get "/vtt/export-game/{game}"</li>
      <li>Get "/vtt/websocket"</li>
      <li>Get "/vtt/api/status"</li>
    </ul>
  </body>
</html>
  `, ugcPolicy.Sanitize(e.cfg.Title), ugcPolicy.Sanitize(e.cfg.Title))
}

// applyLogLevel narrows the package logger to the configured level. The base
// logger is built at debug, so levels only ever tighten.
func applyLogLevel(level string) error {
	if level == "" || level == "debug" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	log = log.Desugar().WithOptions(zap.IncreaseLevel(l)).Sugar()
	return nil
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := Renderer.JSON(w, http.StatusOK, map[string]string{"healthy": "true"}); err != nil {
		log.Errorw("could not render json", zap.Error(err))
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	if err := Renderer.JSON(w, http.StatusNotFound, map[string]string{"error": "404: This page could not be found"}); err != nil {
		log.Errorw("could not render json", zap.Error(err))
	}
}
