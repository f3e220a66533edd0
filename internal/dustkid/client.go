// internal/dustkid/client.go
package dustkid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"dustkid-arena/internal/config"
)

// Default upstream endpoints. Overridable through the environment, mainly so
// tests can point the client at a local server.
const (
	DefaultEventsURL  = "http://dustkid.com/backend/events.php"
	DefaultAtlasURL   = "https://atlas.dustforce.com"
	DefaultDustkidURL = "https://dustkid.com"
	DefaultHitboxURL  = "https://df.hitboxteam.com"
)

// User ids outside this range never resolve to a name.
const (
	MinUserID = 1
	MaxUserID = 1_000_000
)

var filenameRe = regexp.MustCompile(`filename="([^"]*)"`)

// Client wraps the atlas, dustkid and hitbox HTTP APIs the lobby engine
// depends on.
type Client struct {
	HTTP       *http.Client
	AtlasURL   string
	DustkidURL string
	HitboxURL  string
	Log        *logrus.Logger
}

// NewClient builds a Client from the environment.
func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		AtlasURL:   config.GetEnv("ATLAS_URL", DefaultAtlasURL),
		DustkidURL: config.GetEnv("DUSTKID_URL", DefaultDustkidURL),
		HitboxURL:  config.GetEnv("HITBOX_URL", DefaultHitboxURL),
		Log:        logger,
	}
}

// ResolveLevel asks the atlas downloader for the canonical filename of a
// level id. It returns "" when the id is unknown to the catalog.
func (c *Client) ResolveLevel(ctx context.Context, id int) (string, error) {
	url := fmt.Sprintf("%s/gi/downloader.php?id=%d", c.AtlasURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	m := filenameRe.FindStringSubmatch(resp.Header.Get("Content-Disposition"))
	if m == nil {
		return "", nil
	}
	return m[1], nil
}

// leaderboard mirrors the dustkid level leaderboard JSON. Both maps use the
// same record shape; only the scoring fields matter here.
type leaderboard struct {
	Scores map[string]leaderboardScore `json:"scores"`
	Times  map[string]leaderboardScore `json:"times"`
}

type leaderboardScore struct {
	User            int `json:"user"`
	Time            int `json:"time"`
	ScoreCompletion int `json:"score_completion"`
	ScoreFinesse    int `json:"score_finesse"`
}

// FetchLevelStats reads the level leaderboard and tallies SS runs (completion
// and finesse both 5). A malformed payload surfaces as an error; the caller
// treats it as a recoverable rejection of the level.
func (c *Client) FetchLevelStats(ctx context.Context, filename string) (LevelStats, error) {
	url := fmt.Sprintf("%s/json/level/%s", c.DustkidURL, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return LevelStats{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return LevelStats{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return LevelStats{}, err
	}
	var board leaderboard
	if err := json.Unmarshal(data, &board); err != nil {
		return LevelStats{}, fmt.Errorf("could not parse level leaderboard for %s: %w", filename, err)
	}

	var stats LevelStats
	for _, score := range board.Scores {
		if score.ScoreCompletion != 5 || score.ScoreFinesse != 5 {
			continue
		}
		stats.SSCount++
		if stats.SSCount == 1 || score.Time < stats.FastestSS {
			stats.FastestSS = score.Time
		}
	}
	return stats, nil
}

// FetchUserName resolves a dustforce user id to a display name. It returns ""
// when the id is out of range, the lookup does not yield exactly one record,
// or the record has no name.
func (c *Client) FetchUserName(ctx context.Context, id int) (string, error) {
	if id < MinUserID || id > MaxUserID {
		return "", nil
	}
	url := fmt.Sprintf("%s/backend6/userSearch.php?userid=%d", c.HitboxURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result []struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("could not parse user search result for %d: %w", id, err)
	}
	if len(result) != 1 || result[0].Name == "" {
		return "", nil
	}
	return result[0].Name, nil
}
