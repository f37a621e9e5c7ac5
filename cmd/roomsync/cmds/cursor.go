package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/roomsync"
)

type cursorOutput struct {
	Cursor   string `json:"cursor"`
	Applied  int64  `json:"applied"`
	Stitches int64  `json:"stitches"`
}

func NewCursorCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cursor",
		Short: "Print the stored sync cursor and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd.Context(), func(c *roomsync.Client) error {
				ctx := cmd.Context()
				var (
					out cursorOutput
					err error
				)
				if out.Cursor, err = c.Store().Cursor(ctx); err != nil {
					return err
				}
				if out.Applied, err = c.Store().Counter(ctx, roomstore.KeySyncApplied); err != nil {
					return err
				}
				if out.Stitches, err = c.Store().Counter(ctx, roomstore.KeyStitchCount); err != nil {
					return err
				}
				if root.JSON {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "cursor=%s applied=%d stitches=%d\n", out.Cursor, out.Applied, out.Stitches)
				return err
			})
		},
	}
}

func NewConfigCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.settings()
			if err != nil {
				return err
			}
			if root.JSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			out, err := s.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func NewResetCommand(root *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every cached row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes the whole cache; pass --yes to confirm")
			}
			return root.withClient(cmd.Context(), func(c *roomsync.Client) error {
				if err := c.Store().Reset(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "cache reset")
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
