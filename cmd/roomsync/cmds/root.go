package cmds

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomsync/pkg/config"
	"github.com/go-go-golems/roomsync/pkg/roomsync"
)

// RootOptions holds the persistent flags shared by every command.
type RootOptions struct {
	LogLevel   string
	ConfigPath string
	DBPath     string
	JSON       bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "roomsync",
		Short:         "Inspect and feed a local roomsync timeline cache",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(opts.LogLevel, cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite cache file (overrides config and ROOMSYNC_DB)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of text")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewSegmentsCommand(opts))
	cmd.AddCommand(NewCursorCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	return cmd
}

func initLogger(level string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid --log-level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: f}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func (o *RootOptions) settings() (config.Settings, error) {
	return config.Load(o.ConfigPath, func(s *config.Settings) {
		if o.DBPath != "" {
			s.DBPath = o.DBPath
		}
	})
}

// withClient opens a client for the duration of fn.
func (o *RootOptions) withClient(ctx context.Context, fn func(c *roomsync.Client) error) error {
	s, err := o.settings()
	if err != nil {
		return err
	}
	c, err := roomsync.New(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("close client")
		}
	}()
	return fn(c)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
