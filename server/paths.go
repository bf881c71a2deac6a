package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths derives the filesystem layout under the preferences root:
//
//	main.db
//	gms/<gm>/gm.db
//	gms/<gm>/<game>/<n>.png
//	gms/<gm>/<game>/<slot>.mp3
//	gms/<gm>/<game>/gm.md5
//	export/<gm>_<game>.zip
//	static/
//	fancyurl/{verbs,adjectives,nouns}.txt
type Paths struct {
	Root string
}

func (p Paths) MainDB() string {
	return filepath.Join(p.Root, "main.db")
}

func (p Paths) GmsDir() string {
	return filepath.Join(p.Root, "gms")
}

func (p Paths) GmDir(gm string) string {
	return filepath.Join(p.GmsDir(), gm)
}

func (p Paths) GmDB(gm string) string {
	return filepath.Join(p.GmDir(gm), "gm.db")
}

func (p Paths) GameDir(gm, game string) string {
	return filepath.Join(p.GmDir(gm), game)
}

func (p Paths) Image(gm, game string, id int) string {
	return filepath.Join(p.GameDir(gm, game), fmt.Sprintf("%d.png", id))
}

func (p Paths) Music(gm, game string, slot int) string {
	return filepath.Join(p.GameDir(gm, game), fmt.Sprintf("%d.mp3", slot))
}

func (p Paths) MD5File(gm, game string) string {
	return filepath.Join(p.GameDir(gm, game), "gm.md5")
}

func (p Paths) ExportDir() string {
	return filepath.Join(p.Root, "export")
}

func (p Paths) ExportZip(gm, game string) string {
	return filepath.Join(p.ExportDir(), fmt.Sprintf("%s_%s.zip", gm, game))
}

func (p Paths) StaticDir() string {
	return filepath.Join(p.Root, "static")
}

func (p Paths) FancyURLDir() string {
	return filepath.Join(p.Root, "fancyurl")
}

// AssetURL is the client-facing form of an image id.
func AssetURL(gm, game string, id int) string {
	return fmt.Sprintf("/asset/%s/%s/%d.png", gm, game, id)
}

// EnsureBaseDirs creates the directories the server requires at startup.
func (p Paths) EnsureBaseDirs() error {
	for _, dir := range []string{p.Root, p.GmsDir(), p.ExportDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// EnsureGameDir creates the asset directory for one game.
func (p Paths) EnsureGameDir(gm, game string) error {
	return os.MkdirAll(p.GameDir(gm, game), 0o755)
}

// dirSize sums the bytes under a directory tree.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
