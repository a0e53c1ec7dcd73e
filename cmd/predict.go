package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/glaucoscan/internal/client"
	"github.com/example/glaucoscan/internal/history"
	"github.com/example/glaucoscan/internal/imagepayload"
)

func newPredictCommand() *cobra.Command {
	var (
		serverURL string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "predict <image>...",
		Short: "Submit eye images to a running API for screening",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverURL, &http.Client{Timeout: timeout})
			return runPredict(cmd.Context(), c, history.NewSession(), args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	defaultURL := os.Getenv("GLAUCOSCAN_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultURL, "base URL of the glaucoscan API")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "per-image request timeout")
	return cmd
}

// runPredict screens each image in turn, recording successes in session,
// and prints the session table. Failures are reported per image and do not
// stop the batch.
func runPredict(ctx context.Context, c *client.Client, session *history.Session, paths []string, out, errOut io.Writer) error {
	var bar *progressbar.ProgressBar
	if len(paths) > 1 {
		bar = progressbar.NewOptions64(int64(len(paths)),
			progressbar.OptionSetDescription("Screening"),
			progressbar.OptionSetWriter(errOut),
			progressbar.OptionShowCount(),
		)
	}

	failed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := predictOne(ctx, c, session, path); err != nil {
			failed++
			fmt.Fprintf(errOut, "%s: %v\n", path, err)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(errOut)
	}

	printHistory(out, session.Entries())

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(paths))
	}
	return nil
}

func predictOne(ctx context.Context, c *client.Client, session *history.Session, path string) error {
	payload, err := imagepayload.FromFile(path)
	if err != nil {
		return err
	}
	result, err := c.Predict(ctx, payload.DataURL())
	if err != nil {
		return err
	}
	session.Add(filepath.Base(path), result)
	return nil
}

func printHistory(out io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No results.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tIMAGE\tPREDICTION\tCONFIDENCE\tTIME")
	fmt.Fprintln(w, "--\t-----\t----------\t----------\t----")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
			e.ID[:8], e.Source, e.Result.Label, e.Result.NormalizedConfidence()*100,
			e.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
