/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package imaging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

var ErrBadBaseName = errors.New("malformed base asset name")

// Point holds fractions of the canvas size, 0.25 meaning 25%.
type Point struct {
	X, Y float64
}

// Placement says how a base asset combines with a user image. When
// Background is false the position and size are unused.
type Placement struct {
	Background bool
	Position   Point
	Size       Point
}

// BaseAsset is one selectable image from the base asset directory.
type BaseAsset struct {
	Name      string
	Label     string
	Path      string
	Placement Placement
}

var baseExtensions = []string{".png", ".jpg", ".jpeg"}

// ParseBaseName decodes {label}_{flag}_{x%}_{y%}_{width%}_{height%}.{ext}.
// Everything after the label is optional unless flag is 1.
func ParseBaseName(name string) (string, Placement, error) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	parts := strings.Split(stem, "_")

	label := parts[0]
	if label == "" {
		return "", Placement{}, fmt.Errorf("%w: %q has no label", ErrBadBaseName, name)
	}

	var p Placement
	if len(parts) < 2 || parts[1] != "1" {
		return label, p, nil
	}

	if len(parts) < 6 {
		return "", Placement{}, fmt.Errorf("%w: %q needs position and size", ErrBadBaseName, name)
	}

	var pcts [4]float64
	for i := range pcts {
		v, err := strconv.ParseFloat(strings.Trim(parts[2+i], "%"), 64)
		if err != nil {
			return "", Placement{}, fmt.Errorf("%w: %q: %v", ErrBadBaseName, name, err)
		}
		pcts[i] = v / 100
	}

	p.Background = true
	p.Position = Point{X: pcts[0], Y: pcts[1]}
	p.Size = Point{X: pcts[2], Y: pcts[3]}

	return label, p, nil
}

// ListBases returns every usable base asset in dir, sorted by file name.
// Files with unparseable names are reported in skipped rather than failing
// the whole listing.
func ListBases(dir string) (bases []BaseAsset, skipped []error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	for _, e := range entries {
		if e.IsDir() || !slices.Contains(baseExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}

		label, p, perr := ParseBaseName(e.Name())
		if perr != nil {
			skipped = append(skipped, perr)
			continue
		}

		bases = append(bases, BaseAsset{
			Name:      e.Name(),
			Label:     label,
			Path:      filepath.Join(dir, e.Name()),
			Placement: p,
		})
	}

	return bases, skipped, nil
}
