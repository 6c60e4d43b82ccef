package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	submitOptions string
	submitDest    string
	listStatus    string
	watchJob      string
	watchKinds    string
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>",
	Short: "Submit a download job.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job jobView
		err := newAPIClient().do(http.MethodPost, "/jobs", map[string]string{
			"url":         args[0],
			"options":     submitOptions,
			"destination": submitDest,
		}, &job)
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, oldest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/jobs"
		if listStatus != "" {
			path += "?status=" + url.QueryEscape(listStatus)
		}
		var jobs []jobView
		if err := newAPIClient().do(http.MethodGet, path, nil, &jobs); err != nil {
			return err
		}
		for _, j := range jobs {
			printJob(j)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job jobView
		if err := newAPIClient().do(http.MethodGet, "/jobs/"+args[0], nil, &job); err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job at its next safe checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE("cancel"),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a downloading job.",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE("pause"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Requeue a paused job.",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE("resume"),
}

func controlRunE(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var job jobView
		if err := newAPIClient().do(http.MethodPost, "/jobs/"+args[0]+"/"+action, nil, &job); err != nil {
			return err
		}
		printJob(job)
		return nil
	}
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all finished job records.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Purged int64 `json:"purged"`
		}
		if err := newAPIClient().do(http.MethodPost, "/jobs/purge", nil, &out); err != nil {
			return err
		}
		fmt.Printf("purged %d jobs\n", out.Purged)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live job events.",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if watchJob != "" {
			query.Set("job", watchJob)
		}
		if watchKinds != "" {
			query.Set("kind", watchKinds)
		}
		path := apiURL + "/events"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		resp, err := http.Get(path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s", resp.Status)
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				fmt.Println(line)
			}
		}
		return scanner.Err()
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitOptions, "options", "f", "", "Format/options string passed through to the backend")
	submitCmd.Flags().StringVarP(&submitDest, "dest", "d", "", "Destination directory (default: server download dir)")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (comma separated)")
	watchCmd.Flags().StringVar(&watchJob, "job", "", "Only events for this job id")
	watchCmd.Flags().StringVar(&watchKinds, "kind", "", "Only these event kinds (comma separated)")

	rootCmd.AddCommand(submitCmd, listCmd, statusCmd, cancelCmd, pauseCmd, resumeCmd, purgeCmd, watchCmd)
}
