package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/govtt/govtt"
)

// assetFilePattern restricts asset serving to the files the server itself
// writes into a game directory.
var assetFilePattern = regexp.MustCompile(`^\d+\.(png|mp3)$`)

func jsonError(w http.ResponseWriter, code int, err error) {
	if rerr := Renderer.JSON(w, code, map[string]string{"error": err.Error()}); rerr != nil {
		log.Errorw("render error", zap.Error(rerr))
	}
}

// handleJoin is the login stand-in: it upserts the GM row, inserts the cache
// entry and hands back a session cookie. Real deployments put an OAuth proxy
// in front of it.
func (e *Engine) handleJoin(w http.ResponseWriter, r *http.Request) {
	name := ugcPolicy.Sanitize(strings.TrimSpace(r.FormValue("name")))
	if name == "" {
		jsonError(w, http.StatusBadRequest, errors.New("name required"))
		return
	}

	url := strings.TrimSpace(r.FormValue("url"))
	if url == "" {
		url = strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	}
	if !govtt.SlugPattern.MatchString(url) {
		jsonError(w, http.StatusBadRequest, errors.New("invalid url"))
		return
	}

	identity := strings.TrimSpace(r.FormValue("identity"))
	if identity == "" {
		identity = url
	}

	gm, err := e.upsertGm(name, url, identity)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}

	token, err := issueSession(gm)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   e.cfg.SSL,
		SameSite: http.SameSiteLaxMode,
	})

	if err := Renderer.JSON(w, http.StatusOK, map[string]string{"url": gm.URL}); err != nil {
		log.Errorw("render join", zap.Error(err))
	}
}

// requireGm resolves the session cookie to a live GmCache.
func (e *Engine) requireGm(w http.ResponseWriter, r *http.Request) (*GmCache, bool) {
	url := sessionGm(r)
	if url == "" {
		jsonError(w, http.StatusUnauthorized, errors.New("no session"))
		return nil, false
	}
	gm, ok := e.GetGm(url)
	if !ok {
		jsonError(w, http.StatusUnauthorized, errors.New("session expired"))
		return nil, false
	}
	return gm, true
}

// handleImportGame creates a game from an uploaded PNG (single backing image)
// or ZIP (full export). The slug defaults to a generated fancy url.
func (e *Engine) handleImportGame(w http.ResponseWriter, r *http.Request) {
	gm, ok := e.requireGm(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, e.cfg.LimitGame<<20)
	file, _, err := r.FormFile("file")
	if err != nil {
		jsonError(w, http.StatusBadRequest, errors.New("file required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, ErrTooLarge)
		return
	}

	url := chi.URLParam(r, "url")
	if url == "" {
		url = r.FormValue("url")
	}
	if url == "" {
		url = e.fancy.Generate()
	}

	var game *Game
	if len(data) >= 2 && data[0] == 'P' && data[1] == 'K' {
		game, err = e.FromZip(gm, url, data)
	} else {
		game, err = e.FromImage(gm, url, data)
	}
	switch {
	case errors.Is(err, ErrDuplicateURL):
		jsonError(w, http.StatusConflict, err)
		return
	case errors.Is(err, ErrTooLarge):
		jsonError(w, http.StatusRequestEntityTooLarge, err)
		return
	case err != nil:
		jsonError(w, http.StatusBadRequest, err)
		return
	}

	if err := Renderer.JSON(w, http.StatusOK, map[string]string{"url": game.URL}); err != nil {
		log.Errorw("render import", zap.Error(err))
	}
}

// handleUpload receives token or background images and music files for one
// game. The path GM must match the session GM.
func (e *Engine) handleUpload(w http.ResponseWriter, r *http.Request) {
	gm, ok := e.requireGm(w, r)
	if !ok {
		return
	}
	if chi.URLParam(r, "gm") != gm.url {
		jsonError(w, http.StatusForbidden, errors.New("not your game"))
		return
	}
	game := chi.URLParam(r, "game")
	if _, ok := gm.GetGame(game); !ok {
		jsonError(w, http.StatusNotFound, errors.New("unknown game"))
		return
	}

	// The type field only arrives with the body, so the reader caps at the
	// largest configured limit; the store enforces the per-type one.
	maxLimit := e.cfg.LimitToken
	for _, l := range []int64{e.cfg.LimitBackground, e.cfg.LimitGame, e.cfg.LimitMusic} {
		if l > maxLimit {
			maxLimit = l
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLimit<<20+1<<20)

	kind := r.FormValue("type")
	var limit int64
	switch kind {
	case "token":
		limit = e.cfg.LimitToken
	case "background":
		limit = e.cfg.LimitBackground
	case "music":
		limit = e.cfg.LimitMusic
	default:
		jsonError(w, http.StatusBadRequest, errors.New("unknown upload type"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		jsonError(w, http.StatusBadRequest, errors.New("file required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, ErrTooLarge)
		return
	}

	if kind == "music" {
		slot, err := e.UploadMusic(gm.url, game, data)
		switch {
		case errors.Is(err, ErrNoFreeSlot):
			jsonError(w, http.StatusConflict, err)
			return
		case errors.Is(err, ErrTooLarge):
			jsonError(w, http.StatusRequestEntityTooLarge, err)
			return
		case err != nil:
			jsonError(w, http.StatusInternalServerError, err)
			return
		}
		if err := Renderer.JSON(w, http.StatusOK, map[string]int{"slot": slot}); err != nil {
			log.Errorw("render upload", zap.Error(err))
		}
		return
	}

	url, err := e.UploadImage(gm.url, game, data, limit)
	switch {
	case errors.Is(err, ErrTooLarge):
		jsonError(w, http.StatusRequestEntityTooLarge, err)
		return
	case err != nil:
		jsonError(w, http.StatusInternalServerError, err)
		return
	}
	if err := Renderer.JSON(w, http.StatusOK, map[string]string{"url": url}); err != nil {
		log.Errorw("render upload", zap.Error(err))
	}
}

// handleExportGame zips the game under export/ and streams it back.
func (e *Engine) handleExportGame(w http.ResponseWriter, r *http.Request) {
	gm, ok := e.requireGm(w, r)
	if !ok {
		return
	}
	e.serveGameZip(w, r, gm, chi.URLParam(r, "game"))
}

func (e *Engine) serveGameZip(w http.ResponseWriter, r *http.Request, gm *GmCache, url string) {
	if _, ok := gm.GetGame(url); !ok {
		jsonError(w, http.StatusNotFound, errors.New("unknown game"))
		return
	}

	var game *Game
	err := gm.store.Transaction(func(tx *gorm.DB) error {
		var terr error
		game, terr = getGameByURL(tx, url)
		return terr
	})
	if err != nil {
		jsonError(w, http.StatusNotFound, errors.New("unknown game"))
		return
	}

	path, err := e.ToZip(gm, game)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s.zip", url)))
	http.ServeFile(w, r, path)
}

// handleAsset serves the image and music files of one game directory.
func (e *Engine) handleAsset(w http.ResponseWriter, r *http.Request) {
	gm := chi.URLParam(r, "gm")
	game := chi.URLParam(r, "game")
	file := chi.URLParam(r, "file")
	if !govtt.SlugPattern.MatchString(gm) || !govtt.SlugPattern.MatchString(game) || !assetFilePattern.MatchString(file) {
		http.NotFound(w, r)
		return
	}
	path := e.paths.GameDir(gm, game) + "/" + file
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// handleThumbnail redirects to the backing image of a scene, the active one
// unless a scene id is given, or a placeholder when the scene has none.
func (e *Engine) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	const placeholder = "/static/empty.jpg"

	gm, ok := e.GetGm(chi.URLParam(r, "gm"))
	if !ok {
		http.Redirect(w, r, placeholder, http.StatusFound)
		return
	}
	url := chi.URLParam(r, "game")
	if _, ok := gm.GetGame(url); !ok {
		http.Redirect(w, r, placeholder, http.StatusFound)
		return
	}

	target := placeholder
	_ = gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, url)
		if err != nil {
			return err
		}
		scene, err := activeScene(tx, game)
		if sid := chi.URLParam(r, "scene"); sid != "" {
			var id int64
			if _, serr := fmt.Sscanf(sid, "%d", &id); serr == nil {
				scene, err = getScene(tx, game.ID, id)
			}
		}
		if err != nil || scene == nil || scene.Backing == nil {
			return nil
		}
		var token Token
		if err := tx.First(&token, *scene.Backing).Error; err != nil {
			return nil
		}
		if token.URL != "" {
			target = token.URL
		}
		return nil
	})

	http.Redirect(w, r, target, http.StatusFound)
}

// handleStatus reports live counts for monitoring.
func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	games := 0
	online := 0
	urls := e.GmUrls()
	for _, url := range urls {
		gm, ok := e.GetGm(url)
		if !ok {
			continue
		}
		for _, g := range gm.GameUrls() {
			games++
			if gc, ok := gm.GetGame(g); ok {
				online += gc.OnlineCount()
			}
		}
	}

	status := map[string]any{
		"gms":       len(urls),
		"games":     games,
		"online":    online,
		"instances": instanceCount.Load(),
		"title":     e.cfg.Title,
	}
	if err := Renderer.JSON(w, http.StatusOK, status); err != nil {
		log.Errorw("render status", zap.Error(err))
	}
}

// adminAuthorized checks the configured bearer token. An empty token keeps
// the whole admin surface disabled.
func (e *Engine) adminAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if e.cfg.AdminToken == "" {
		notFoundHandler(w, r)
		return false
	}
	if r.Header.Get("Authorization") != "Bearer "+e.cfg.AdminToken {
		jsonError(w, http.StatusForbidden, errors.New("bad admin token"))
		return false
	}
	return true
}

// handleAdminCleanup runs one cleanup pass on demand for the vttadmin tool.
func (e *Engine) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if !e.adminAuthorized(w, r) {
		return
	}

	start := time.Now()
	report := e.CleanupAll()
	report.Duration = time.Since(start)
	cleanupRuns.Inc()

	if err := Renderer.JSON(w, http.StatusOK, report); err != nil {
		log.Errorw("render cleanup report", zap.Error(err))
	}
}

// handleAdminExport serves a game bundle to the vttadmin tool without a GM
// session.
func (e *Engine) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	if !e.adminAuthorized(w, r) {
		return
	}
	gm, ok := e.GetGm(chi.URLParam(r, "gm"))
	if !ok {
		jsonError(w, http.StatusNotFound, errors.New("unknown gm"))
		return
	}
	e.serveGameZip(w, r, gm, chi.URLParam(r, "game"))
}

// handleErrorPage is the landing page for redirected internal errors. The id
// matches the one in the server log.
func handleErrorPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Renderer.JSON(w, http.StatusInternalServerError, map[string]string{
		"error": fmt.Sprintf("internal error %s, please report it", id),
	}); err != nil {
		log.Errorw("render error page", zap.Error(err))
	}
}

// recoverMiddleware converts panics into tagged error reports: AJAX callers
// get a 500 with the error id, page loads get redirected to the error page.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			id := uuid.NewString()
			log.Errorw("panic in handler",
				"error_id", id,
				"path", r.URL.Path,
				"panic", fmt.Sprint(rec),
			)
			if strings.Contains(r.Header.Get("Accept"), "application/json") ||
				r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
				jsonError(w, http.StatusInternalServerError, fmt.Errorf("internal error %s", id))
				return
			}
			http.Redirect(w, r, "/vtt/error/"+id, http.StatusFound)
		}()
		next.ServeHTTP(w, r)
	})
}
