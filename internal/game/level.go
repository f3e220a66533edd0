// internal/game/level.go
package game

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"dustkid-arena/internal/dustkid"
)

// Level is an immutable view of an atlas catalog entry, derived entirely from
// its filename. Atlas filenames look like "<slug>-<id>"; stock maps are a bare
// slug with no id.
type Level struct {
	Filename string
}

// split returns the slug and numeric id of the filename. ok is false for
// stock maps and any filename whose suffix is not numeric.
func (l Level) split() (slug string, id int, ok bool) {
	idx := strings.LastIndexByte(l.Filename, '-')
	if idx < 0 {
		return l.Filename, 0, false
	}
	id, err := strconv.Atoi(l.Filename[idx+1:])
	if err != nil {
		return l.Filename, 0, false
	}
	return l.Filename[:idx], id, true
}

// ID returns the atlas id of the level. Stock maps have none.
func (l Level) ID() (int, bool) {
	_, id, ok := l.split()
	return id, ok
}

// Name is the display name: the slug with hyphens replaced by spaces.
func (l Level) Name() string {
	slug, _, ok := l.split()
	if !ok {
		slug = l.Filename
	}
	return strings.ReplaceAll(slug, "-", " ")
}

// Image is the atlas thumbnail URL.
func (l Level) Image() string {
	return fmt.Sprintf("https://atlas.dustforce.com/gi/maps/%s.png", l.Filename)
}

// InstallPlay is the dustforce:// URI that installs and starts the level.
func (l Level) InstallPlay() string {
	slug, id, ok := l.split()
	if !ok {
		return fmt.Sprintf("dustforce://installPlay/0/%s", l.Filename)
	}
	return fmt.Sprintf("dustforce://installPlay/%d/%s", id, slug)
}

// Atlas is the level's atlas page URL, or "" for stock maps.
func (l Level) Atlas() string {
	slug, id, ok := l.split()
	if !ok {
		return ""
	}
	return fmt.Sprintf("https://atlas.dustforce.com/%d/%s", id, slug)
}

// DustkidPage is the level's dustkid leaderboard URL.
func (l Level) DustkidPage() string {
	return fmt.Sprintf("https://dustkid.com/level/%s", l.Filename)
}

// LevelResolver maps an atlas id to its canonical filename, "" if unknown.
type LevelResolver func(ctx context.Context, id int) (string, error)

// StatsFetcher reads a level's leaderboard stats.
type StatsFetcher func(ctx context.Context, filename string) (dustkid.LevelStats, error)

// NameFetcher resolves a dustforce user id to a display name, "" if unknown.
type NameFetcher func(ctx context.Context, id int) (string, error)

// LevelPicker draws random candidate levels until one satisfies the quality
// thresholds. Used by rotating lobbies.
type LevelPicker struct {
	Resolve LevelResolver
	Stats   StatsFetcher
	Log     *logrus.Logger

	MinLevelID   int // lowest id worth drawing
	MinSSCount   int // reject levels with fewer SS runs
	MaxFastestSS int // reject levels whose fastest SS exceeds this, in ms
	MaxAttempts  int // bound on draws per call
}

// NewLevelPicker returns a picker with the stock thresholds.
func NewLevelPicker(resolve LevelResolver, stats StatsFetcher, logger *logrus.Logger) *LevelPicker {
	return &LevelPicker{
		Resolve:      resolve,
		Stats:        stats,
		Log:          logger,
		MinLevelID:   100,
		MinSSCount:   5,
		MaxFastestSS: 45_000,
		MaxAttempts:  50,
	}
}

// Pick draws a random playable level with id in [MinLevelID, maxLevelID]. It
// gives up after MaxAttempts draws so a caller's runner is never blocked
// indefinitely.
func (p *LevelPicker) Pick(ctx context.Context, maxLevelID int) (*Level, error) {
	if maxLevelID < p.MinLevelID {
		maxLevelID = p.MinLevelID
	}
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		id := p.MinLevelID + rand.Intn(maxLevelID-p.MinLevelID+1)

		filename, err := p.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if filename == "" {
			p.Log.Debugf("skipping level id %d: no filename", id)
			continue
		}

		stats, err := p.Stats(ctx, filename)
		if err != nil {
			p.Log.Warnf("could not fetch stats for %s: %v", filename, err)
			continue
		}
		if stats.SSCount < p.MinSSCount || stats.FastestSS > p.MaxFastestSS {
			p.Log.Debugf("skipping level %s: does not satisfy the constraints", filename)
			continue
		}

		return &Level{Filename: filename}, nil
	}
	return nil, fmt.Errorf("no suitable level found after %d attempts", p.MaxAttempts)
}
