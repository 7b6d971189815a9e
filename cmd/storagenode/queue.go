package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/standard-Chan/standard-object-storage/internal/config"
	"github.com/standard-Chan/standard-object-storage/internal/models"
	"github.com/standard-Chan/standard-object-storage/internal/store"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the replication queue",
	}
	cmd.AddCommand(newQueueListCmd(), newQueueGetCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List queued replication tasks, most overdue first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.ListFilter{Limit: limit}
			if status != "" {
				s, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			q, err := openQueue(cmd.Context(), config.Load(), true)
			if err != nil {
				return err
			}
			defer q.Close()

			tasks, err := q.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show RETRYABLE or FAILED_PERM tasks")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of tasks to show")
	return cmd
}

func newQueueGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <bucket> <objectKey>",
		Short: "Show one replication task as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), config.Load(), true)
			if err != nil {
				return err
			}
			defer q.Close()

			task, err := q.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("%s/%s: %w", args[0], args[1], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		},
	}
}

func printTasks(out io.Writer, tasks []models.ReplicationTask) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tOBJECT KEY\tSTATUS\tRETRIES\tNEXT RETRY\tLAST ERROR")
	for _, t := range tasks {
		lastErr := "-"
		if t.LastErrorType != nil {
			lastErr = string(*t.LastErrorType)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.Bucket, t.ObjectKey, t.Status, t.RetryCount, t.NextRetryAt.Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}
