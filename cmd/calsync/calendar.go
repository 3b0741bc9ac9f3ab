package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/beekhof/calensync/internal/model"
)

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Manage linked calendars",
}

var (
	calendarAccount    string
	calendarPlatformID string
	calendarName       string
	calendarPrimary    bool
)

var calendarAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Link a calendar of a configured account",
	Long: `Links an external calendar. --platform-id is the provider's calendar id:
the calendar's email address for Google, the collection path for CalDAV.
Mark the account owner's main calendar with --primary so declined
invitations can be detected.`,
	Args: cobra.NoArgs,
	RunE: runCalendarAdd,
}

var calendarListCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked calendars",
	Args:  cobra.NoArgs,
	RunE:  runCalendarList,
}

func init() {
	flags := calendarAddCmd.Flags()
	flags.StringVar(&calendarAccount, "account", "", "name of the configured account (required)")
	flags.StringVar(&calendarPlatformID, "platform-id", "", "provider calendar id (required)")
	flags.StringVar(&calendarName, "name", "", "display name")
	flags.BoolVar(&calendarPrimary, "primary", false, "the account owner's primary calendar")
	_ = calendarAddCmd.MarkFlagRequired("account")
	_ = calendarAddCmd.MarkFlagRequired("platform-id")

	calendarCmd.AddCommand(calendarAddCmd, calendarListCmd)
	rootCmd.AddCommand(calendarCmd)
}

func runCalendarAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, ok := a.cfg.Account(calendarAccount); !ok {
		return fmt.Errorf("account %q is not configured", calendarAccount)
	}

	node := model.CalendarNode{
		ID:         uuid.NewString(),
		AccountID:  calendarAccount,
		PlatformID: calendarPlatformID,
		Name:       calendarName,
		Primary:    calendarPrimary,
		ReadOnly:   model.IsReadOnlyPlatformID(calendarPlatformID),
	}
	if err := a.repo.SaveCalendar(ctx, node); err != nil {
		return fmt.Errorf("failed to save calendar: %w", err)
	}

	cmd.Printf("Linked calendar %s with id %s\n", node, node.ID)
	if node.ReadOnly {
		cmd.Println("The calendar is read-only and can only be used as a source.")
	}
	return nil
}

func runCalendarList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	nodes, err := a.repo.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("failed to list calendars: %w", err)
	}
	if len(nodes) == 0 {
		cmd.Println("No calendars linked.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tCALENDAR\tFLAGS\tWATCH EXPIRES")
	for _, n := range nodes {
		expires := "-"
		if n.HasWatch() {
			expires = n.Expiration.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.AccountID, n, nodeFlags(n), expires)
	}
	return w.Flush()
}

func nodeFlags(n model.CalendarNode) string {
	var flags string
	add := func(s string) {
		if flags != "" {
			flags += ","
		}
		flags += s
	}
	if n.Primary {
		add("primary")
	}
	if n.ReadOnly {
		add("read-only")
	}
	if n.IsPaused() {
		add("paused")
	}
	if flags == "" {
		return "-"
	}
	return flags
}
