package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apicize/apicize-go/packages/workbook"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workbook...>",
	Short: "Validate workbooks against the schema without executing them",
	Long: `Validate workbook files against the JSON schema without executing
any requests.

Examples:
  apicize validate api.json
  apicize validate workbooks/*.json`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	Run:          validateCommand,
}

func validateCommand(cmd *cobra.Command, args []string) {
	hasErrors := false
	for _, file := range args {
		_, err := workbook.Load(file)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStderr(), "Error in %s: %v\n", file, err)
			hasErrors = true
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Valid: %s\n", file)
		}
	}

	if hasErrors {
		os.Exit(ExitWorkbookError)
	}
}
