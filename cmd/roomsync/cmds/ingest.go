package cmds

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/roomsync/pkg/ingest"
	"github.com/go-go-golems/roomsync/pkg/protocol"
	"github.com/go-go-golems/roomsync/pkg/roomsync"
)

type ingestOutput struct {
	Status string `json:"status"`
	Cursor string `json:"cursor"`
}

func NewIngestCommand(root *RootOptions) *cobra.Command {
	var prior string
	cmd := &cobra.Command{
		Use:   "ingest <payload.json>",
		Short: "Apply a sync response read from a file",
		Long: `Apply one sync response to the cache.

Without --prior the stored cursor is used as the expected prior cursor, so the
payload is applied unless another writer moves the cursor in between.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read payload")
			}
			var payload protocol.SyncPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return errors.Wrap(err, "decode payload")
			}
			return root.withClient(cmd.Context(), func(c *roomsync.Client) error {
				expected := prior
				if !cmd.Flags().Changed("prior") {
					if expected, err = c.Store().Cursor(cmd.Context()); err != nil {
						return err
					}
				}
				res, err := c.ApplySync(cmd.Context(), &payload, expected)
				if err != nil {
					return err
				}
				out := ingestOutput{Status: "applied", Cursor: res.Cursor}
				if res.Status == ingest.Raced {
					out.Status = "raced"
				}
				if root.JSON {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s cursor=%s\n", out.Status, out.Cursor)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&prior, "prior", "", "expected stored cursor (default: the stored cursor)")
	return cmd
}
