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
	bind           string
	bonusEvery     int
	flipDelay      time.Duration
	gameSeconds    int
	port           int
	prefix         string
	profile        bool
	questions      int
	sessionTimeout time.Duration
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
	if c.gameSeconds < 1 {
		return fmt.Errorf("invalid game length (must be at least 1 second): %d", c.gameSeconds)
	}
	if c.questions < 0 {
		return fmt.Errorf("invalid question allowance (must be non-negative): %d", c.questions)
	}
	if c.bonusEvery < 0 {
		return fmt.Errorf("invalid bonus interval (must be non-negative, 0 disables): %d", c.bonusEvery)
	}
	if c.flipDelay < 0 {
		return errors.New("invalid flip delay (must be non-negative)")
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
	v.SetEnvPrefix("FLIPPIN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "flippin-server",
		Short:         "A real-time two-player memory pair-matching game, served as a single webapp.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: FLIPPIN_BIND)")
	fs.IntVar(&cfg.bonusEvery, "bonus-every", 3, "grant a bonus question every Nth match, 0 to disable (env: FLIPPIN_BONUS_EVERY)")
	fs.DurationVar(&cfg.flipDelay, "flip-delay", 900*time.Millisecond, "how long unmatched cards stay face-up (env: FLIPPIN_FLIP_DELAY)")
	fs.IntVar(&cfg.gameSeconds, "game-seconds", 120, "countdown length of a game, in seconds (env: FLIPPIN_GAME_SECONDS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: FLIPPIN_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: FLIPPIN_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: FLIPPIN_PROFILE)")
	fs.IntVar(&cfg.questions, "questions", 5, "base question allowance per player (env: FLIPPIN_QUESTIONS)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game rooms are reaped (env: FLIPPIN_IDLE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: FLIPPIN_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: FLIPPIN_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: FLIPPIN_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: FLIPPIN_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("flippin-server v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
