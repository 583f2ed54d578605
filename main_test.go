/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/coverbox/catalog"
	"github.com/Seednode/coverbox/guess"
	"github.com/Seednode/coverbox/imaging"
)

func testConfig() *Config {
	return &Config{
		bind:           "127.0.0.1",
		catalog:        "full_song_data.json",
		fetchTimeout:   2 * time.Second,
		guessTime:      time.Minute,
		maxImagePixels: 4_000_000,
		maxImageSize:   1 << 20,
		port:           8080,
		revealFraction: 0.4,
		roomTimeout:    time.Hour,
	}
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "img.png")
	writePNG(t, path, w, h, c)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

func testSongs(t *testing.T) *catalog.Catalog {
	t.Helper()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "001.png"), 40, 30, color.RGBA{R: 200, G: 40, B: 90, A: 255})

	c, err := catalog.New([]catalog.Song{{
		SongID:    "001",
		Title:     "Night Sky",
		Artist:    "someone",
		Category:  "ORIGINAL",
		ImageName: "cover.png",
	}}, dir)
	require.NoError(t, err)

	return c
}

// testBases writes one background-mode base asset and returns it.
func testBases(t *testing.T) []imaging.BaseAsset {
	t.Helper()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "frame_1_10%_20%_50%_50%.png"), 100, 80, color.RGBA{G: 255, A: 255})

	bases, skipped, err := imaging.ListBases(dir)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, bases, 1)

	return bases
}

// testRooms wires a room manager, its games and its bot without HTTP.
func testRooms(t *testing.T, cfg *Config, bases []imaging.BaseAsset) (*RoomManager, *guess.Manager) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	rooms := newRoomManager(ctx, cfg)
	games := guess.NewManager(ctx, testSongs(t), rooms, guess.Options{TimeLimit: cfg.guessTime})
	rooms.bot = newBot(cfg, games, newMemeMaker(cfg, bases))

	t.Cleanup(func() {
		cancel()
		games.Shutdown()
		rooms.closeAll()
	})

	return rooms, games
}
