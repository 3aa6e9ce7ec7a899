package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kylewlacy/systrument/internal/session"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent recordings",
	Long: `List recordings made with systrument record, newest first.

Shows when each recording started, how long it ran, the command's exit
code, and where the trace files were written.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum number of recordings to show")
}

func runSessions(cmd *cobra.Command, args []string) error {
	path, err := session.DefaultPath()
	if err != nil {
		return err
	}
	store, err := session.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No recordings found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDURATION\tEXIT\tCOMMAND\tTRACE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond),
			s.ExitCode,
			strings.Join(s.Argv, " "),
			s.CapturePath)
	}
	w.Flush()

	return nil
}
