package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avoronov/skillpath/internal/resume"
	"github.com/avoronov/skillpath/internal/storage"
)

var importResumeCmd = &cobra.Command{
	Use:   "import-resume <file>",
	Short: "Attach resume text to a user's questionnaire answers",
	Long: `Extract text from a resume (PDF or plain text) and merge it into the
user's questionnaire answers under the "resume" key. This advances the
questionnaire version, so cached recommendations become stale.

Examples:
  skillpath import-resume --user u-42 ./resume.pdf
  skillpath import-resume --user dana@example.com ./resume.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if strings.TrimSpace(user) == "" {
			return fmt.Errorf("--user is required")
		}

		text, err := resume.ExtractText(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		// Merge with existing answers; a replace-style write would drop them.
		answers := map[string]any{}
		resp, err := client.get(ctx, "/v1/profiles/"+user)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
		} else {
			var prof storage.Profile
			if err := decodeJSON(resp, &prof); err != nil {
				return err
			}
			if prof.Answers != nil {
				answers = prof.Answers
			}
		}
		answers["resume"] = text

		putResp, err := client.put(ctx, "/v1/profiles/"+user+"/answers", answers)
		if err != nil {
			return err
		}
		var result struct {
			ID        string `json:"id"`
			UpdatedAt string `json:"updatedAt"`
		}
		if err := decodeJSON(putResp, &result); err != nil {
			return err
		}

		printSuccess("Imported resume for %s (%d characters)", result.ID, len(text))
		return nil
	},
}

func init() {
	importResumeCmd.Flags().String("user", "", "user id or email (required)")
}
