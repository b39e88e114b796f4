package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
	"github.com/slbailey/Retrovue-sub002/pkg/duration"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect channel schedule files",
	Long: `Commands for checking the per-channel schedule files the server reads.

The schedule directory comes from --schedule-dir, RETROVUE_SCHEDULE_DIR or
schedule.dir in the config file.`,
}

var scheduleValidateCmd = &cobra.Command{
	Use:   "validate [channel-id...]",
	Short: "Validate schedule files",
	Long: `Load and validate schedule files. With no arguments every schedule in
the directory is checked. Exits non-zero if any schedule is invalid.`,
	RunE: runScheduleValidate,
}

var scheduleNowCmd = &cobra.Command{
	Use:   "now <channel-id>",
	Short: "Show what a channel is airing",
	Long: `Show the item on air for a channel, the offset a new viewer would join
at, and the next item.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleNow,
}

var (
	scheduleDir string
	scheduleAt  string
	scheduleTZ  string
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleValidateCmd)
	scheduleCmd.AddCommand(scheduleNowCmd)

	scheduleCmd.PersistentFlags().StringVar(&scheduleDir, "schedule-dir", "", "schedule directory (overrides schedule.dir)")
	scheduleNowCmd.Flags().StringVar(&scheduleAt, "at", "", "evaluate at this ISO-8601 instant instead of now")
	scheduleNowCmd.Flags().StringVar(&scheduleTZ, "tz", "UTC", "IANA zone for displayed times")
}

func scheduleStore() *schedule.Store {
	dir := viper.GetString("schedule.dir")
	if scheduleDir != "" {
		dir = scheduleDir
	}
	return schedule.NewOSStore(dir)
}

func runScheduleValidate(cmd *cobra.Command, args []string) error {
	store := scheduleStore()
	if err := store.CheckDir(); err != nil {
		return err
	}
	return validateSchedules(cmd.OutOrStdout(), store, args, time.Now().UTC())
}

// validateSchedules loads each schedule and prints one line per channel.
// An empty ids list means every schedule in the store.
func validateSchedules(w io.Writer, store *schedule.Store, ids []string, now time.Time) error {
	if len(ids) == 0 {
		var err error
		if ids, err = store.Discover(); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		fmt.Fprintf(w, "no schedules in %s\n", store.Dir())
		return nil
	}

	invalid := 0
	for _, id := range ids {
		sched, err := store.Load(id, now)
		if err != nil {
			invalid++
			fmt.Fprintf(w, "INVALID  %s: %v\n", id, err)
			continue
		}
		end := "empty"
		if !sched.End().IsZero() {
			end = "ends " + stationclock.Format(sched.End())
		}
		fmt.Fprintf(w, "VALID    %s: %d items, %s\n", id, len(sched.Items), end)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d schedules invalid", invalid, len(ids))
	}
	return nil
}

func runScheduleNow(cmd *cobra.Command, args []string) error {
	clock := stationclock.New()
	now := clock.NowUTC()
	if scheduleAt != "" {
		at, err := stationclock.Parse(scheduleAt)
		if err != nil {
			return err
		}
		now = at.UTC()
	}

	loc, ok := clock.Location(scheduleTZ)
	if !ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "unknown time zone %q, using UTC\n", scheduleTZ)
	}

	sched, err := scheduleStore().Load(args[0], now)
	if err != nil {
		return err
	}
	return describeNow(cmd.OutOrStdout(), sched, now, loc)
}

var errNothingOnAir = errors.New("nothing on air")

// describeNow prints the active and next items of sched at now.
func describeNow(w io.Writer, sched *schedule.ChannelSchedule, now time.Time, loc *time.Location) error {
	fmt.Fprintf(w, "channel:  %s\n", sched.ChannelID)
	fmt.Fprintf(w, "at:       %s\n", stationclock.Format(now.In(loc)))

	item, onAir := sched.ActiveItem(now)
	if onAir {
		offset := item.Offset(now)
		fmt.Fprintf(w, "on air:   %s\n", item.AssetPath)
		if title, ok := item.Metadata["title"].(string); ok {
			fmt.Fprintf(w, "title:    %s\n", title)
		}
		fmt.Fprintf(w, "started:  %s\n", stationclock.Format(item.StartTimeUTC.In(loc)))
		fmt.Fprintf(w, "offset:   %s\n", duration.Format(offset))
		fmt.Fprintf(w, "remains:  %s\n", duration.Format(item.Duration()-offset))
	} else {
		fmt.Fprintln(w, "on air:   nothing")
	}

	if next, ok := sched.NextItem(now); ok {
		fmt.Fprintf(w, "next:     %s at %s\n", next.AssetPath, stationclock.Format(next.StartTimeUTC.In(loc)))
	}

	if !onAir {
		return errNothingOnAir
	}
	return nil
}
