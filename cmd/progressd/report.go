package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/eventhandler"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
)

func reportCmd() *cobra.Command {
	var (
		signals map[string]string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "report <learner> <activity-type>",
		Short: "Process one activity against the configured store",
		Example: `  progressd report alice message_sent --signal tutor_type=reading --signal message="photosynthesis"
  progressd report alice reading_session --signal reading_time=25`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: log})
			defer bus.Close()
			if err := eventhandler.NewNotifier(log, messaging.NewLogChannel(log)).Register(bus); err != nil {
				return err
			}

			res, err := command.NewReportActivityHandler(a.engine.Processor, bus, log).Handle(cmd.Context(), command.ReportActivityCommand{
				LearnerID:    learner.ID(args[0]),
				ActivityType: args[1],
				Data:         activityData(signals),
			})
			if res != nil {
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(res); encErr != nil {
						return encErr
					}
				} else {
					printResult(cmd, res)
				}
			}
			return err
		},
	}
	cmd.Flags().StringToStringVarP(&signals, "signal", "s", nil, "activity signal as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

// activityData turns numeric signal values into numbers and keeps the rest
// as strings.
func activityData(signals map[string]string) progression.ActivityData {
	data := make(progression.ActivityData, len(signals))
	for k, v := range signals {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			data[k] = f
			continue
		}
		data[k] = v
	}
	return data
}

func printResult(cmd *cobra.Command, res *progression.ActivityResult) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Fprintf(out, "%s %s +%s XP", res.LearnerID, res.ActivityType, green(shared.FormatXP(res.XPGained)))
	if res.BonusXP > 0 {
		fmt.Fprintf(out, " (bonus %s)", shared.FormatXP(res.BonusXP))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "level %d %s, total %s XP\n", res.Level, res.Title, shared.FormatXP(res.TotalXP))
	if res.LevelUp {
		fmt.Fprintln(out, color.New(color.FgHiMagenta, color.Bold).Sprintf("level up! %d -> %d", res.PreviousLevel, res.Level))
	}
	for _, b := range res.NewBadges {
		fmt.Fprintf(out, "badge: %s %s [%s]\n", b.Icon, b.Name, tierColor(b.Tier))
	}
	for _, q := range res.CompletedQuests {
		fmt.Fprintf(out, "quest completed: %s (+%s XP)\n", q.Quest.Name, shared.FormatXP(q.Quest.XPReward))
	}
	for _, s := range res.StreakUpdates {
		fmt.Fprintf(out, "streak %s: %d day(s)\n", s.Record.Type, s.Record.CurrentCount)
	}
}
