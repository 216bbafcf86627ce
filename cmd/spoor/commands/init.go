package commands

import (
	"fmt"

	"github.com/dyluth/spoor/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter spoor.yml",
	Long: `Create a starter spoor.yml with a SQLite store, an example field
mapping and a disabled webhook sink.

Use --force to replace an existing spoor.yml (WARNING: destroys existing configuration).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Replace an existing spoor.yml")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write spoor.yml into")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return err
		}
	}

	if err := scaffold.Initialize(initDir, forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess()
	return nil
}
