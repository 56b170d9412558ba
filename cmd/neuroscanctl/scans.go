package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/neuroscan/internal/client"
)

const requestTimeout = 2 * time.Minute

func (a *app) client() (*client.Client, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("API key is required (--api-key or NEUROSCAN_API_KEY)")
	}
	return client.New(a.serverURL, a.apiKey, requestTimeout), nil
}

// pollFlags are shared by submit --wait and wait.
type pollFlags struct {
	interval time.Duration
	attempts int
}

func (p *pollFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&p.interval, "interval", client.DefaultPollInterval, "poll interval")
	cmd.Flags().IntVar(&p.attempts, "attempts", client.DefaultPollAttempts, "maximum polls before giving up")
}

func (p *pollFlags) options(cmd *cobra.Command) client.PollOptions {
	return client.PollOptions{
		Interval: p.interval,
		Attempts: p.attempts,
		OnPoll: func(attempt int, status string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "poll %d: %s\n", attempt, status)
		},
	}
}

func newSubmitCmd(a *app) *cobra.Command {
	var wait bool
	var poll pollFlags

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Upload a scan for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			scan, err := c.Submit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), scan)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s (%s)\n", scan.DisplayCode, scan.ID)
			done, err := c.WaitForScan(cmd.Context(), scan.ID, poll.options(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), done)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the analysis finishes")
	poll.register(cmd)
	return cmd
}

func newWaitCmd(a *app) *cobra.Command {
	var poll pollFlags
	cmd := &cobra.Command{
		Use:   "wait SCAN_ID",
		Short: "Poll a scan until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("scan id: %w", err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			scan, err := c.WaitForScan(cmd.Context(), id, poll.options(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), scan)
		},
	}
	poll.register(cmd)
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status SCAN_ID",
		Short: "Print a scan's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("scan id: %w", err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get SCAN_ID",
		Short: "Print a scan with its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("scan id: %w", err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			scan, err := c.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), scan)
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your scans, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			scans, err := c.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), scans)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCODE\tSTATUS\tCLASS\tRISK\tCREATED")
			for _, s := range scans {
				class, risk := "-", "-"
				if s.Result != nil {
					class = fmt.Sprintf("%s (%.1f%%)", s.Result.PredictedClass, s.Result.Confidence)
					risk = s.Result.RiskTier
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.DisplayCode, s.Status, class, risk, s.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (server default when 0)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete SCAN_ID",
		Short: "Delete a scan and its images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("scan id: %w", err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
}

func newImageCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "image SCAN_ID KIND",
		Short: "Download an image (original, overlay, heatmap)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("scan id: %w", err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			data, err := c.Image(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + "-" + args[1]
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	return cmd
}
