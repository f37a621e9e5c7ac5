package cmds

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomsync/pkg/roomsync"
)

func NewTimelineCommand(root *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "timeline <roomID>",
		Short: "Print a room's stored timeline, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd.Context(), func(c *roomsync.Client) error {
				events, err := c.Store().Timeline(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if root.JSON {
					return writeJSON(cmd.OutOrStdout(), events)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEGMENT\tORDER\tEVENT\tTYPE\tSENDER")
				for _, ev := range events {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", ev.Position.Segment, ev.Position.Order, ev.EventID, ev.Type, ev.Sender)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 for all)")
	return cmd
}

func NewSegmentsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "segments <roomID>",
		Short: "Summarize a room's timeline segments and check their consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withClient(cmd.Context(), func(c *roomsync.Client) error {
				segments, err := c.Store().Segments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if root.JSON {
					if err := writeJSON(cmd.OutOrStdout(), segments); err != nil {
						return err
					}
				} else {
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "SEGMENT\tEVENTS\tMIN\tMAX")
					for _, s := range segments {
						fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", s.Segment, s.Events, s.MinOrder, s.MaxOrder)
					}
					if err := tw.Flush(); err != nil {
						return err
					}
				}
				return c.Store().CheckTimelineInvariants(cmd.Context(), args[0])
			})
		},
	}
}
