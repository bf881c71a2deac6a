package main

import (
	"time"

	"gorm.io/gorm"

	"github.com/govtt/govtt"
)

// GM represents a game master in the main database.
type GM struct {
	ID       int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string    `gorm:"type:text" json:"name"`
	URL      string    `gorm:"type:text;uniqueIndex" json:"url"`
	Sid      string    `gorm:"type:text;uniqueIndex" json:"-"`
	Identity string    `gorm:"type:text;uniqueIndex" json:"-"`
	Metadata string    `gorm:"type:text" json:"-"`
	Timeid   time.Time `json:"timeid"`
}

// Game represents one play session in a GM's database.
type Game struct {
	ID     int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	URL    string    `gorm:"type:text;uniqueIndex" json:"url"`
	GmURL  string    `gorm:"type:text;index" json:"gm_url"`
	Timeid time.Time `json:"timeid"`

	// Active is the id of the scene currently shown to players. Order is
	// the explicit presentation order of all scene ids.
	Active int64   `json:"active"`
	Order  []int64 `gorm:"serializer:json" json:"order"`

	// Associations
	Scenes []Scene `gorm:"foreignKey:GameID;constraint:OnDelete:CASCADE" json:"scenes,omitempty"`
	Rolls  []Roll  `gorm:"foreignKey:GameID;constraint:OnDelete:CASCADE" json:"-"`
}

// Scene is one canvas inside a game. Backing optionally references the
// single background token of the scene; it is an id, not an owning
// reference, so clearing it before a delete avoids dangling.
type Scene struct {
	ID      int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID  int64  `gorm:"index;not null" json:"game_id"`
	Backing *int64 `json:"backing"`

	// Associations
	Tokens []Token `gorm:"foreignKey:SceneID;constraint:OnDelete:CASCADE" json:"tokens,omitempty"`
}

// Token is a drawable on a scene. Size -1 marks it as the background.
type Token struct {
	ID      int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SceneID int64     `gorm:"index;not null" json:"scene_id"`
	URL     string    `gorm:"type:text" json:"url"`
	PosX    int       `json:"posx"`
	PosY    int       `json:"posy"`
	ZOrder  int       `json:"zorder"`
	Size    int       `json:"size"`
	Rotate  float64   `json:"rotate"`
	FlipX   bool      `json:"flipx"`
	Locked  bool      `json:"locked"`
	Text    string    `gorm:"type:text" json:"text"`
	Color   string    `gorm:"type:text" json:"color"`
	Timeid  time.Time `json:"-"`
}

// Roll is a recorded die result.
type Roll struct {
	ID     int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID int64     `gorm:"index;not null" json:"game_id"`
	Name   string    `gorm:"type:text" json:"name"`
	Color  string    `gorm:"type:text" json:"color"`
	Sides  int       `json:"sides"`
	Result int       `json:"result"`
	Timeid time.Time `json:"timeid"`
}

// AutoMigrateMain runs the migrations for the main database.
func AutoMigrateMain(db *gorm.DB) error {
	return db.AutoMigrate(&GM{})
}

// AutoMigrateGm runs the migrations for one GM's database.
func AutoMigrateGm(db *gorm.DB) error {
	return db.AutoMigrate(&Game{}, &Scene{}, &Token{}, &Roll{})
}

// Apply folds one change record into the token. A field is applied iff it is
// present in the record and the token is not locked; the locked flag itself
// may always be changed. Positions clamp to the canvas, size clamps to its
// range, labels truncate. Returns whether anything changed.
func (t *Token) Apply(change govtt.Frame, now time.Time) bool {
	changed := false

	if locked, ok := change.Bool("locked"); ok && locked != t.Locked {
		t.Locked = locked
		changed = true
	}
	if t.Locked {
		if changed {
			t.Timeid = now
		}
		return changed
	}

	if x, ok := change.Int("posx"); ok {
		if v := govtt.ClampX(x); v != t.PosX {
			t.PosX = v
			changed = true
		}
	}
	if y, ok := change.Int("posy"); ok {
		if v := govtt.ClampY(y); v != t.PosY {
			t.PosY = v
			changed = true
		}
	}
	if z, ok := change.Int("zorder"); ok && z != t.ZOrder {
		t.ZOrder = z
		changed = true
	}
	if size, ok := change.Int("size"); ok {
		if v := govtt.ClampSize(size); v != t.Size {
			t.Size = v
			changed = true
		}
	}
	if rotate, ok := change.Float("rotate"); ok && rotate != t.Rotate {
		t.Rotate = rotate
		changed = true
	}
	if flip, ok := change.Bool("flipx"); ok && flip != t.FlipX {
		t.FlipX = flip
		changed = true
	}
	if text, ok := change.String("text"); ok {
		if v := govtt.TruncateLabel(text); v != t.Text {
			t.Text = v
			changed = true
		}
	}

	if changed {
		t.Timeid = now
	}
	return changed
}
