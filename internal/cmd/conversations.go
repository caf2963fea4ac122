package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	conversationsListCmd.Flags().Bool("json", false, "Output as JSON")
	conversationsShowCmd.Flags().Bool("json", false, "Output as JSON")

	conversationsCmd.AddCommand(
		conversationsListCmd,
		conversationsShowCmd,
		conversationsDeleteCmd,
	)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st store.Store) error {
			summaries, err := st.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeIndentedJSON(cmd.OutOrStdout(), summaries)
			}

			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No conversations yet")
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s  %s  %s %s\n",
					s.ID,
					mutedStyle.Render(s.CreatedAt.Local().Format(time.DateTime)),
					s.Title,
					mutedStyle.Render(fmt.Sprintf("(%d messages)", s.MessageCount)))
			}
			return nil
		})
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation",
	Example: heredoc.Doc(`
		# Print the stored turns as JSON
		council conversations show 3f1c... --json
	`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st store.Store) error {
			conv, err := getConversation(cmd, st, args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeIndentedJSON(cmd.OutOrStdout(), conv)
			}
			printConversation(cmd.OutOrStdout(), conv)
			return nil
		})
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st store.Store) error {
			if err := store.ValidateID(args[0]); err != nil {
				return err
			}
			if err := st.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete conversation %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", okStyle.Render("✓"), args[0])
			return nil
		})
	},
}

// withStore opens the configured store without building the gateway.
func withStore(cmd *cobra.Command, fn func(store.Store) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logCloser := setupLogging(cmd, cfg, false)
	defer logCloser.Close()

	st, err := store.Open(cfg.Storage, cfg.Options.DataDirectory)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func getConversation(cmd *cobra.Command, st store.Store, id string) (*council.Conversation, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	conv, err := st.Get(cmd.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return conv, nil
}

func printConversation(w io.Writer, conv *council.Conversation) {
	fmt.Fprintln(w, headerStyle.Render(conv.Title))
	fmt.Fprintln(w, mutedStyle.Render(conv.ID+"  "+conv.CreatedAt.Local().Format(time.DateTime)))
	for _, m := range conv.Messages {
		fmt.Fprintln(w)
		switch m.Role {
		case council.RoleUser:
			fmt.Fprintln(w, stageStyle.Render("You"))
			fmt.Fprintln(w, m.Content)
		case council.RoleAssistant:
			if m.TurnResult == nil {
				continue
			}
			answered := 0
			for _, r := range m.Stage1 {
				if r.OK() {
					answered++
				}
			}
			fmt.Fprintf(w, "%s %s\n",
				stageStyle.Render(m.Stage3.Name),
				mutedStyle.Render(fmt.Sprintf("(%d/%d members answered)", answered, len(m.Stage1))))
			fmt.Fprintln(w, answerStyle.Render(m.Stage3.Content))
		}
	}
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
