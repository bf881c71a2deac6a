package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/govtt/govtt"
)

// tokenExport is the portable shape of a token. URL is a dense 0-based image
// index into the bundle, or -1 for tokens whose image is not part of it.
type tokenExport struct {
	URL    int     `json:"url"`
	PosX   int     `json:"posx"`
	PosY   int     `json:"posy"`
	ZOrder int     `json:"zorder"`
	Size   int     `json:"size"`
	Rotate float64 `json:"rotate"`
	FlipX  bool    `json:"flipx"`
	Locked bool    `json:"locked"`
	Text   string  `json:"text"`
	Color  string  `json:"color"`
}

// sceneExport lists a scene's tokens with the background token first.
type sceneExport struct {
	Tokens []tokenExport `json:"tokens"`
}

// gameExport is the content of game.json inside an exported bundle.
type gameExport struct {
	Active int           `json:"active"`
	Scenes []sceneExport `json:"scenes"`
}

// gameToDict serializes a game's scenes and tokens, translating image ids to
// dense 0-based indices. The returned id list maps index -> original image
// id. The background token of each scene is emitted first so the import side
// can restore it by position.
func gameToDict(tx *gorm.DB, game *Game) (*gameExport, []int, error) {
	if err := rebuildOrder(tx, game); err != nil {
		return nil, nil, err
	}

	live, err := liveImageIDs(tx, game.ID)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	index := make(map[int]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	export := &gameExport{Active: 0}
	for pos, sceneID := range game.Order {
		if sceneID == game.Active {
			export.Active = pos
		}
		scene, err := getScene(tx, game.ID, sceneID)
		if err != nil {
			return nil, nil, err
		}
		tokens, err := sceneTokens(tx, scene.ID)
		if err != nil {
			return nil, nil, err
		}

		// Background first.
		sort.SliceStable(tokens, func(i, j int) bool {
			bi := scene.Backing != nil && tokens[i].ID == *scene.Backing
			bj := scene.Backing != nil && tokens[j].ID == *scene.Backing
			return bi && !bj
		})

		se := sceneExport{Tokens: make([]tokenExport, 0, len(tokens))}
		for _, t := range tokens {
			urlIdx := -1
			if id, ok := imageIDFromURL(t.URL); ok {
				if i, ok := index[id]; ok {
					urlIdx = i
				}
			}
			se.Tokens = append(se.Tokens, tokenExport{
				URL:    urlIdx,
				PosX:   t.PosX,
				PosY:   t.PosY,
				ZOrder: t.ZOrder,
				Size:   t.Size,
				Rotate: t.Rotate,
				FlipX:  t.FlipX,
				Locked: t.Locked,
				Text:   t.Text,
				Color:  t.Color,
			})
		}
		export.Scenes = append(export.Scenes, se)
	}
	return export, ids, nil
}

// gameFromDict rebuilds scenes and tokens into a freshly created game.
// urlFor translates a dense image index back to an asset URL. A scene's
// first token becomes its background when it carries the background marker.
func gameFromDict(tx *gorm.DB, game *Game, export *gameExport, urlFor func(int) string) error {
	now := time.Now()
	game.Order = nil

	for pos, se := range export.Scenes {
		scene, err := createScene(tx, game)
		if err != nil {
			return err
		}
		game.Order = append(game.Order, scene.ID)

		for i, te := range se.Tokens {
			url := ""
			if te.URL >= 0 {
				url = urlFor(te.URL)
			}
			token := Token{
				SceneID: scene.ID,
				URL:     url,
				PosX:    govtt.ClampX(te.PosX),
				PosY:    govtt.ClampY(te.PosY),
				ZOrder:  te.ZOrder,
				Size:    govtt.ClampSize(te.Size),
				Rotate:  te.Rotate,
				FlipX:   te.FlipX,
				Locked:  te.Locked,
				Text:    govtt.TruncateLabel(te.Text),
				Color:   te.Color,
				Timeid:  now,
			}
			if err := tx.Create(&token).Error; err != nil {
				return err
			}
			if i == 0 && token.Size == govtt.BackgroundSize {
				if err := setBacking(tx, scene, &token); err != nil {
					return err
				}
			}
		}

		if pos == export.Active {
			game.Active = scene.ID
			if err := tx.Model(&Game{}).Where("id = ?", game.ID).Update("active", game.Active).Error; err != nil {
				return err
			}
		}
	}

	if len(game.Order) == 0 {
		scene, err := createScene(tx, game)
		if err != nil {
			return err
		}
		if err := activateScene(tx, game, scene); err != nil {
			return err
		}
		return touchGame(tx, game)
	}
	if err := saveOrder(tx, game); err != nil {
		return err
	}
	return touchGame(tx, game)
}

// createGameRow inserts a new game row into a GM's store and registers its
// cache, rejecting duplicate URLs.
func (e *Engine) createGameRow(gm *GmCache, url string) (*Game, *GameCache, error) {
	if !govtt.SlugPattern.MatchString(url) {
		return nil, nil, fmt.Errorf("invalid game url %q", url)
	}
	if _, ok := gm.GetGame(url); ok {
		return nil, nil, ErrDuplicateURL
	}

	game := &Game{URL: url, GmURL: gm.url, Timeid: time.Now()}
	if err := gm.store.Create(game).Error; err != nil {
		return nil, nil, err
	}
	if err := e.paths.EnsureGameDir(gm.url, url); err != nil {
		return nil, nil, err
	}
	cache, err := gm.Insert(game)
	if err != nil {
		return nil, nil, err
	}
	return game, cache, nil
}

// FromImage creates a game whose single scene shows the uploaded PNG as
// background.
func (e *Engine) FromImage(gm *GmCache, url string, png []byte) (*Game, error) {
	game, _, err := e.createGameRow(gm, url)
	if err != nil {
		return nil, err
	}

	assetURL, err := e.UploadImage(gm.url, url, png, e.cfg.LimitBackground)
	if err != nil {
		e.dropGame(gm, game)
		return nil, err
	}

	err = gm.store.Transaction(func(tx *gorm.DB) error {
		scene, err := createScene(tx, game)
		if err != nil {
			return err
		}
		if err := activateScene(tx, game, scene); err != nil {
			return err
		}
		token := Token{
			SceneID: scene.ID,
			URL:     assetURL,
			PosX:    govtt.CanvasWidth / 2,
			PosY:    govtt.CanvasHeight / 2,
			Timeid:  time.Now(),
		}
		if err := tx.Create(&token).Error; err != nil {
			return err
		}
		// The first token of an image-born scene is the background,
		// unconditionally.
		if err := setBacking(tx, scene, &token); err != nil {
			return err
		}
		return touchGame(tx, game)
	})
	if err != nil {
		e.dropGame(gm, game)
		return nil, err
	}
	return game, nil
}

// ToZip writes a game bundle (game.json plus every referenced PNG) into the
// export directory and returns its path.
func (e *Engine) ToZip(gm *GmCache, game *Game) (string, error) {
	var export *gameExport
	var ids []int
	err := gm.store.Transaction(func(tx *gorm.DB) error {
		var err error
		export, ids, err = gameToDict(tx, game)
		return err
	})
	if err != nil {
		return "", err
	}

	lock := e.IOLock(gm.url)
	lock.Lock()
	defer lock.Unlock()

	path := e.paths.ExportZip(gm.url, game.URL)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	meta, err := json.Marshal(export)
	if err != nil {
		return "", err
	}
	w, err := zw.Create("game.json")
	if err != nil {
		return "", err
	}
	if _, err := w.Write(meta); err != nil {
		return "", err
	}

	for idx, id := range ids {
		data, err := os.ReadFile(e.paths.Image(gm.url, game.URL, id))
		if err != nil {
			return "", err
		}
		w, err := zw.Create(fmt.Sprintf("%d.png", idx))
		if err != nil {
			return "", err
		}
		if _, err := w.Write(data); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// FromZip creates a game from an exported bundle, reversing ToZip.
func (e *Engine) FromZip(gm *GmCache, url string, data []byte) (*Game, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var export *gameExport
	images := make(map[int][]byte)
	for _, file := range zr.File {
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}

		if file.Name == "game.json" {
			export = &gameExport{}
			if err := json.Unmarshal(payload, export); err != nil {
				return nil, err
			}
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(file.Name, "%d.png", &idx); err == nil {
			images[idx] = payload
		}
	}
	if export == nil {
		return nil, errors.New("bundle has no game.json")
	}

	game, _, err := e.createGameRow(gm, url)
	if err != nil {
		return nil, err
	}

	urls := make(map[int]string, len(images))
	for idx, payload := range images {
		assetURL, err := e.UploadImage(gm.url, url, payload, e.cfg.LimitGame)
		if err != nil {
			e.dropGame(gm, game)
			return nil, err
		}
		urls[idx] = assetURL
	}

	err = gm.store.Transaction(func(tx *gorm.DB) error {
		return gameFromDict(tx, game, export, func(idx int) string { return urls[idx] })
	})
	if err != nil {
		e.dropGame(gm, game)
		return nil, err
	}
	return game, nil
}

// dropGame removes a half-created game row, its cache, and its directory.
func (e *Engine) dropGame(gm *GmCache, game *Game) {
	gm.Remove(game.URL)
	_ = gm.store.Transaction(func(tx *gorm.DB) error {
		return deleteGameRows(tx, game.ID)
	})

	lock := e.IOLock(gm.url)
	lock.Lock()
	_ = os.RemoveAll(e.paths.GameDir(gm.url, game.URL))
	lock.Unlock()
}
