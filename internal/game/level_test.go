// internal/game/level_test.go
package game

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dustkid-arena/internal/dustkid"
)

func TestLevelAtlasEntry(t *testing.T) {
	l := Level{Filename: "Tower-of-Heaven-3412"}

	id, ok := l.ID()
	require.True(t, ok)
	assert.Equal(t, 3412, id)
	assert.Equal(t, "Tower of Heaven", l.Name())
	assert.Equal(t, "dustforce://installPlay/3412/Tower-of-Heaven", l.InstallPlay())
	assert.Equal(t, "https://atlas.dustforce.com/3412/Tower-of-Heaven", l.Atlas())
	assert.Equal(t, "https://atlas.dustforce.com/gi/maps/Tower-of-Heaven-3412.png", l.Image())
	assert.Equal(t, "https://dustkid.com/level/Tower-of-Heaven-3412", l.DustkidPage())
}

func TestLevelStockMap(t *testing.T) {
	l := Level{Filename: "downhill"}

	_, ok := l.ID()
	assert.False(t, ok)
	assert.Equal(t, "downhill", l.Name())
	assert.Equal(t, "dustforce://installPlay/0/downhill", l.InstallPlay())
	assert.Empty(t, l.Atlas())
}

func TestLevelNonNumericSuffix(t *testing.T) {
	l := Level{Filename: "boxes-galore"}
	_, ok := l.ID()
	assert.False(t, ok)
	assert.Equal(t, "boxes galore", l.Name())
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLevelPickerAcceptsQualifyingLevel(t *testing.T) {
	picker := NewLevelPicker(
		func(ctx context.Context, id int) (string, error) {
			return "good-level-200", nil
		},
		func(ctx context.Context, filename string) (dustkid.LevelStats, error) {
			return dustkid.LevelStats{SSCount: 12, FastestSS: 30_000}, nil
		},
		quietLogger(),
	)

	level, err := picker.Pick(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, "good-level-200", level.Filename)
}

func TestLevelPickerRejectsBelowThresholds(t *testing.T) {
	stats := []dustkid.LevelStats{
		{SSCount: 2, FastestSS: 10_000},  // too few SS runs
		{SSCount: 20, FastestSS: 90_000}, // too slow
		{SSCount: 5, FastestSS: 45_000},  // boundary: acceptable
	}
	calls := 0
	picker := NewLevelPicker(
		func(ctx context.Context, id int) (string, error) {
			return "candidate-300", nil
		},
		func(ctx context.Context, filename string) (dustkid.LevelStats, error) {
			s := stats[calls]
			calls++
			return s, nil
		},
		quietLogger(),
	)

	level, err := picker.Pick(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "candidate-300", level.Filename)
}

func TestLevelPickerBoundedAttempts(t *testing.T) {
	calls := 0
	picker := NewLevelPicker(
		func(ctx context.Context, id int) (string, error) {
			calls++
			return "", nil // catalog never resolves
		},
		func(ctx context.Context, filename string) (dustkid.LevelStats, error) {
			return dustkid.LevelStats{}, nil
		},
		quietLogger(),
	)
	picker.MaxAttempts = 7

	_, err := picker.Pick(context.Background(), 5000)
	assert.Error(t, err)
	assert.Equal(t, 7, calls)
}

func TestLevelPickerResolverError(t *testing.T) {
	picker := NewLevelPicker(
		func(ctx context.Context, id int) (string, error) {
			return "", errors.New("atlas down")
		},
		func(ctx context.Context, filename string) (dustkid.LevelStats, error) {
			return dustkid.LevelStats{}, nil
		},
		quietLogger(),
	)

	_, err := picker.Pick(context.Background(), 5000)
	assert.Error(t, err)
}

func TestLevelPickerDrawsWithinBounds(t *testing.T) {
	picker := NewLevelPicker(
		func(ctx context.Context, id int) (string, error) {
			assert.GreaterOrEqual(t, id, 100)
			assert.LessOrEqual(t, id, 150)
			return "", nil
		},
		func(ctx context.Context, filename string) (dustkid.LevelStats, error) {
			return dustkid.LevelStats{}, nil
		},
		quietLogger(),
	)

	_, err := picker.Pick(context.Background(), 150)
	assert.Error(t, err)
}
