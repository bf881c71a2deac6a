package main

import (
	"os"
	"strings"
	"testing"
)

func TestUploadImageDedupAndMonotonicIDs(t *testing.T) {
	e := testEngine(t)
	testGm(t, e, "gm")

	first, err := e.UploadImage("gm", "game", pngStub(1, 64), e.cfg.LimitToken)
	if err != nil {
		t.Fatalf("upload: %+v", err)
	}
	if first != "/asset/gm/game/0.png" {
		t.Errorf("first url is %q, want /asset/gm/game/0.png", first)
	}

	// The same bytes come back as the same asset.
	again, err := e.UploadImage("gm", "game", pngStub(1, 64), e.cfg.LimitToken)
	if err != nil {
		t.Fatalf("duplicate upload: %+v", err)
	}
	if again != first {
		t.Errorf("duplicate got %q, want %q", again, first)
	}

	second, err := e.UploadImage("gm", "game", pngStub(2, 64), e.cfg.LimitToken)
	if err != nil {
		t.Fatalf("second upload: %+v", err)
	}
	if second != "/asset/gm/game/1.png" {
		t.Errorf("second url is %q, want /asset/gm/game/1.png", second)
	}
}

func TestUploadImageLimit(t *testing.T) {
	e := testEngine(t)
	testGm(t, e, "gm")

	big := pngStub(1, int(e.cfg.LimitToken)*1024*1024+1)
	if _, err := e.UploadImage("gm", "game", big, e.cfg.LimitToken); err != ErrTooLarge {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestUploadMusicFillsLowestSlot(t *testing.T) {
	e := testEngine(t)
	testGm(t, e, "gm")

	for want := 0; want < e.cfg.NumMusic; want++ {
		slot, err := e.UploadMusic("gm", "game", []byte("mp3"))
		if err != nil {
			t.Fatalf("upload %d: %+v", want, err)
		}
		if slot != want {
			t.Errorf("got slot %d, want %d", slot, want)
		}
	}

	if _, err := e.UploadMusic("gm", "game", []byte("mp3")); err != ErrNoFreeSlot {
		t.Errorf("got %v, want ErrNoFreeSlot", err)
	}

	// Freeing slot 1 makes it the next allocation.
	if err := os.Remove(e.paths.Music("gm", "game", 1)); err != nil {
		t.Fatalf("remove: %+v", err)
	}
	slot, err := e.UploadMusic("gm", "game", []byte("mp3"))
	if err != nil {
		t.Fatalf("re-upload: %+v", err)
	}
	if slot != 1 {
		t.Errorf("got slot %d, want 1", slot)
	}
}

func TestImageIDFromURL(t *testing.T) {
	if id, ok := imageIDFromURL("/asset/gm/game/17.png"); !ok || id != 17 {
		t.Errorf("got %d,%v, want 17,true", id, ok)
	}
	for _, bad := range []string{"/static/empty.jpg", "/asset/gm/game/x.png", "", "/asset/17.png"} {
		if _, ok := imageIDFromURL(bad); ok {
			t.Errorf("%q parsed as an asset url", bad)
		}
	}
}

func TestCleanupImagesKeepsLargestDuplicate(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	scene, err := activeScene(gm.store, game)
	if err != nil {
		t.Fatalf("active scene: %+v", err)
	}

	// Three uploads; only the newest is referenced by a token.
	for fill := byte(1); fill <= 3; fill++ {
		if _, err := e.UploadImage("gm", "game", pngStub(fill, 64), e.cfg.LimitToken); err != nil {
			t.Fatalf("upload: %+v", err)
		}
	}
	token := Token{SceneID: scene.ID, URL: AssetURL("gm", "game", 2), Size: 64}
	if err := gm.store.Create(&token).Error; err != nil {
		t.Fatalf("create token: %+v", err)
	}

	freed, dropped, err := e.cleanupImages(gm.store, "gm", "game", game.ID)
	if err != nil {
		t.Fatalf("cleanup: %+v", err)
	}
	if freed == 0 {
		t.Error("no bytes reclaimed")
	}
	if dropped != 2 {
		t.Errorf("dropped %d md5 entries, want 2", dropped)
	}
	if fileExists(e.paths.Image("gm", "game", 0)) || fileExists(e.paths.Image("gm", "game", 1)) {
		t.Error("unreferenced images survived")
	}
	if !fileExists(e.paths.Image("gm", "game", 2)) {
		t.Error("referenced image was reclaimed")
	}

	// New uploads stay monotonic past the reclaimed ids.
	url, err := e.UploadImage("gm", "game", pngStub(9, 64), e.cfg.LimitToken)
	if err != nil {
		t.Fatalf("post-cleanup upload: %+v", err)
	}
	if !strings.HasSuffix(url, "/3.png") {
		t.Errorf("post-cleanup url is %q, want id 3", url)
	}
}
