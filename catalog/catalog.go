/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package catalog holds the read-only song list the guessing game draws from.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

var ErrEmpty = errors.New("catalog contains no songs")

// Song is one entry of the catalog file, as written by the data-preparation
// scripts. Fields past Aliases are carried but unused by the game.
type Song struct {
	SongID             string            `json:"songId"`
	Title              string            `json:"title"`
	Artist             string            `json:"artist"`
	Category           string            `json:"category"`
	Reading            string            `json:"reading"`
	RomanizedTitle     string            `json:"romonizedTitle"`
	FullRomanizedTitle string            `json:"fullRomonizedTitle"`
	Aliases            []string          `json:"aliases"`
	ImageName          string            `json:"imageName"`
	BPM                *float64          `json:"bpm"`
	Version            string            `json:"version"`
	ReleaseDate        string            `json:"releaseDate"`
	IsNew              bool              `json:"isNew"`
	IsLocked           bool              `json:"isLocked"`
	Comment            string            `json:"comment"`
	Sheets             []json.RawMessage `json:"sheets"`
}

type Catalog struct {
	songs    []Song
	byID     map[string]int
	coverDir string
}

var unsafeID = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeID replaces characters that cannot appear in a file name.
func SanitizeID(id string) string {
	return unsafeID.Replace(id)
}

// Load reads the catalog file at path. Cover art is resolved relative to coverDir.
func Load(path, coverDir string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var songs []Song
	if err := json.Unmarshal(data, &songs); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	return New(songs, coverDir)
}

// New builds a catalog from already decoded songs.
func New(songs []Song, coverDir string) (*Catalog, error) {
	if len(songs) == 0 {
		return nil, ErrEmpty
	}

	c := &Catalog{
		songs:    make([]Song, len(songs)),
		byID:     make(map[string]int, len(songs)),
		coverDir: coverDir,
	}

	for i, s := range songs {
		s.SongID = SanitizeID(s.SongID)
		if s.SongID == "" {
			return nil, fmt.Errorf("song %d (%q) has no id", i, s.Title)
		}
		if _, dup := c.byID[s.SongID]; dup {
			return nil, fmt.Errorf("duplicate song id %q", s.SongID)
		}
		s.Aliases = append([]string(nil), s.Aliases...)
		c.songs[i] = s
		c.byID[s.SongID] = i
	}

	return c, nil
}

func (c *Catalog) Len() int {
	return len(c.songs)
}

// Random returns a uniformly chosen song.
func (c *Catalog) Random(r *rand.Rand) Song {
	return c.songs[r.IntN(len(c.songs))]
}

func (c *Catalog) Lookup(id string) (Song, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Song{}, false
	}
	return c.songs[i], true
}

// CoverPath is where the cover art for s is expected on disk: the sanitized
// song id plus the extension of the original image name.
func (c *Catalog) CoverPath(s Song) string {
	return filepath.Join(c.coverDir, s.SongID+filepath.Ext(s.ImageName))
}
