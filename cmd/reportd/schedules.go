package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reportd/internal/report"
	"reportd/internal/report/api"
	"reportd/internal/report/trigger"
)

var (
	apiURL   string
	apiToken string
)

var schedulesCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"sched"},
	Short:   "Manage report schedules of a running daemon",
}

func init() {
	pf := schedulesCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api", "http://127.0.0.1:8080", "management API base URL")
	pf.StringVar(&apiToken, "token", os.Getenv("REPORTD_API_TOKEN"), "API bearer token (default $REPORTD_API_TOKEN)")

	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesAddCmd)
	schedulesCmd.AddCommand(schedulesCancelCmd)
}

func client() *api.Client { return api.NewClient(apiURL, apiToken) }

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

// ---- list ------------------------------------------------------------------

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next fire time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		jobs, err := client().ListSchedules(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No schedules.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATASET\tSCHEDULE\tFORMAT\tRECIPIENTS\tNEXT\tLAST")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID, j.DatasetName, j.Schedule, j.Delivery.Format, len(j.Delivery.Recipients),
				fmtTime(j.State.NextFireAt), lastStatus(j.State))
		}
		return tw.Flush()
	},
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func lastStatus(st report.JobState) string {
	if st.LastStatus == "" {
		return "-"
	}
	s := string(st.LastStatus)
	if st.LastSucceeded+st.LastFailed > 0 {
		s += fmt.Sprintf(" (%d/%d)", st.LastSucceeded, st.LastSucceeded+st.LastFailed)
	}
	return s
}

// ---- add -------------------------------------------------------------------

var (
	addDataset     string
	addKind        string
	addHour        int
	addMinute      int
	addWeekday     string
	addDay         int
	addHost        string
	addPort        int
	addSender      string
	addUsername    string
	addPasswordRef string
	addTo          []string
	addFormat      string
)

var schedulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a report",
	Example: `  reportd schedules add --dataset sales --kind weekly --weekday mon --hour 9 \
    --host smtp.example.com --port 587 --sender reports@example.com \
    --password-ref env:SMTP_PASSWORD --to a@example.com --to b@example.com --format pdf`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		spec, err := buildSpec()
		if err != nil {
			return err
		}
		format, ok := report.ParseFormat(addFormat)
		if !ok {
			return fmt.Errorf("invalid --format %q (want tabular, csv, document or pdf)", addFormat)
		}
		req := api.ScheduleRequest{
			DatasetName: addDataset,
			Delivery: report.DeliveryConfig{
				Host:        addHost,
				Port:        addPort,
				Sender:      addSender,
				Credentials: report.Credentials{Username: addUsername, PasswordRef: addPasswordRef},
				Recipients:  addTo,
				Format:      format,
			},
			Schedule: spec,
		}

		ctx, cancel := cmdContext(cmd)
		defer cancel()
		res, err := client().ScheduleReport(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (next: %s)\n", res.ID, fmtTime(res.NextFireAt))
		return nil
	},
}

func buildSpec() (trigger.Spec, error) {
	switch strings.ToLower(strings.TrimSpace(addKind)) {
	case "daily":
		return trigger.Daily(addHour, addMinute), nil
	case "weekly":
		wd, ok := trigger.ParseWeekday(addWeekday)
		if !ok {
			return trigger.Spec{}, fmt.Errorf("invalid --weekday %q", addWeekday)
		}
		return trigger.Weekly(time.Weekday(wd), addHour, addMinute), nil
	case "monthly":
		return trigger.Monthly(addDay, addHour, addMinute), nil
	case "onetime", "once":
		return trigger.OneTime(), nil
	default:
		return trigger.Spec{}, fmt.Errorf("invalid --kind %q (want daily, weekly, monthly or onetime)", addKind)
	}
}

func init() {
	f := schedulesAddCmd.Flags()
	f.StringVar(&addDataset, "dataset", "", "dataset name")
	f.StringVar(&addKind, "kind", "daily", "daily, weekly, monthly or onetime")
	f.IntVar(&addHour, "hour", 0, "hour of day (0-23)")
	f.IntVar(&addMinute, "minute", 0, "minute (0-59)")
	f.StringVar(&addWeekday, "weekday", "mon", "day of week for weekly schedules")
	f.IntVar(&addDay, "day", 1, "day of month for monthly schedules (clamped to the month's end)")
	f.StringVar(&addHost, "host", "", "SMTP host")
	f.IntVar(&addPort, "port", 587, "SMTP port")
	f.StringVar(&addSender, "sender", "", "sender address")
	f.StringVar(&addUsername, "username", "", "SMTP username (default: sender)")
	f.StringVar(&addPasswordRef, "password-ref", "", "secret reference: env:<VAR> or secret:<name>")
	f.StringArrayVar(&addTo, "to", nil, "recipient address (repeatable)")
	f.StringVar(&addFormat, "format", "tabular", "tabular (csv) or document (pdf)")
	_ = schedulesAddCmd.MarkFlagRequired("dataset")
	_ = schedulesAddCmd.MarkFlagRequired("to")
}

// ---- cancel ----------------------------------------------------------------

var schedulesCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		removed, err := client().CancelSchedule(ctx, args[0])
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "No schedule %s\n", args[0])
		}
		return nil
	},
}
