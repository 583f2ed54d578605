package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bases          string
	bind           string
	catalog        string
	covers         string
	fetchTimeout   time.Duration
	guessTime      time.Duration
	maxImagePixels int64
	maxImageSize   int64
	port           int
	prefix         string
	profile        bool
	revealFraction float64
	roomTimeout    time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.catalog == "" {
		return errors.New("--catalog must not be empty")
	}
	if c.guessTime <= 0 {
		return fmt.Errorf("invalid guess time (must be positive): %s", c.guessTime)
	}
	if c.revealFraction <= 0 || c.revealFraction > 1 {
		return fmt.Errorf("invalid reveal fraction (must be in (0, 1]): %g", c.revealFraction)
	}
	if c.fetchTimeout <= 0 {
		return fmt.Errorf("invalid fetch timeout (must be positive): %s", c.fetchTimeout)
	}
	if c.maxImagePixels <= 0 {
		return fmt.Errorf("invalid max image pixels (must be positive): %d", c.maxImagePixels)
	}
	if c.maxImageSize <= 0 {
		return fmt.Errorf("invalid max image size (must be positive): %d", c.maxImageSize)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("COVERBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "coverbox",
		Short:         "A chat game bot: guess the song from a piece of its cover art, or make memes out of images.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.bases, "bases", "base_images", "directory of base images for /create (env: COVERBOX_BASES)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: COVERBOX_BIND)")
	fs.StringVar(&cfg.catalog, "catalog", "full_song_data.json", "song catalog file (env: COVERBOX_CATALOG)")
	fs.StringVar(&cfg.covers, "covers", "images", "directory of cover art, named {songId}.{ext} (env: COVERBOX_COVERS)")
	fs.DurationVar(&cfg.fetchTimeout, "fetch-timeout", 10*time.Second, "time allowed to download a linked image (env: COVERBOX_FETCH_TIMEOUT)")
	fs.DurationVar(&cfg.guessTime, "guess-time", 20*time.Second, "time players have to guess each song (env: COVERBOX_GUESS_TIME)")
	fs.Int64Var(&cfg.maxImagePixels, "max-image-pixels", 40_000_000, "largest image accepted for /create, in pixels (env: COVERBOX_MAX_IMAGE_PIXELS)")
	fs.Int64Var(&cfg.maxImageSize, "max-image-size", 8<<20, "largest image accepted for /create, in bytes (env: COVERBOX_MAX_IMAGE_SIZE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: COVERBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: COVERBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: COVERBOX_PROFILE)")
	fs.Float64Var(&cfg.revealFraction, "reveal-fraction", 0.4, "side of the teaser square, as a fraction of the cover's shorter side (env: COVERBOX_REVEAL_FRACTION)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 60*time.Minute, "time before idle rooms are closed (env: COVERBOX_ROOM_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: COVERBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: COVERBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: COVERBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: COVERBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("coverbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
