package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mirrorops/ghmirror/internal/requester"
	"github.com/mirrorops/ghmirror/internal/store"
)

var deleteRepo string

var deleteCmd = &cobra.Command{
	Use:   "delete <number>...",
	Short: "Delete stored items by number",
	Long: `Remove the given items from the store. Maintenance operation: the
sync engine itself never deletes; a deleted item reappears on the next
backfill run unless it is gone upstream.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if deleteRepo == "" {
			fmt.Fprintf(os.Stderr, "Error: --repo is required\n")
			os.Exit(1)
		}

		rq := requester.New(nil, requester.WithLogger(logger))
		st := store.New(cfg.CouchDB.URL, deleteRepo, cfg.CouchDB.Username, cfg.CouchDB.Password, rq, logger)

		deleted, missing := 0, 0
		for _, arg := range args {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "Error: invalid issue number %q\n", arg)
				os.Exit(1)
			}
			ok, err := st.Delete(cmd.Context(), n)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting #%d: %v\n", n, err)
				os.Exit(1)
			}
			if ok {
				deleted++
				fmt.Printf("deleted #%d\n", n)
			} else {
				missing++
				fmt.Printf("#%d not found\n", n)
			}
		}
		fmt.Printf("%d deleted, %d not found\n", deleted, missing)
	},
}

func init() {
	deleteCmd.Flags().StringVar(&deleteRepo, "repo", "", "repository the items belong to (owner/name)")
}
