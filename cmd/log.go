package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/models"
	"github.com/marcus/syncd/internal/output"
)

var (
	logPayload string
	logIsFile  bool
)

var logCmd = &cobra.Command{
	Use:     "log <entity-type> <entity-id> <operation>",
	Short:   "Append a mutation to the durable log",
	Aliases: []string{"append"},
	Long: `Records a create, update, or delete mutation against an entity.
The entry is durable immediately and will be pushed to the server on the
next sync cycle.`,
	Example: `  syncd log note a1b2c3 create --payload '{"title":"groceries"}'
  syncd log attachment f9e8d7 create --file
  syncd log note a1b2c3 delete`,
	GroupID: "core",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := models.Operation(args[2])
		if !op.Valid() {
			output.Error("unknown operation %q (want create, update, or delete)", args[2])
			return fmt.Errorf("unknown operation %q", args[2])
		}
		if logPayload == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				output.Error("failed to read payload from stdin: %v", err)
				return err
			}
			logPayload = string(data)
		}
		if logPayload != "" && !json.Valid([]byte(logPayload)) {
			output.Error("--payload must be valid JSON")
			return fmt.Errorf("invalid payload JSON")
		}

		store, err := logstore.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		entry := &models.LogEntry{
			EntityType: args[0],
			EntityID:   args[1],
			Operation:  op,
			Payload:    json.RawMessage(logPayload),
			IsFile:     logIsFile,
		}
		if err := store.Append(entry); err != nil {
			output.Error("failed to append: %v", err)
			return err
		}

		output.Success("logged %s %s/%s (%s)", entry.Operation, entry.EntityType, entry.EntityID, entry.ID)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logPayload, "payload", "", "mutation payload as JSON ('-' reads stdin)")
	logCmd.Flags().BoolVar(&logIsFile, "file", false, "mark the mutation as a file upload")
	rootCmd.AddCommand(logCmd)
}
