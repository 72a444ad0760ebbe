package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func catalogCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the badge, quest and level catalog",
		Long: `Print the built-in catalog, or the YAML catalog given with --file
(falls back to ENGINE_CATALOG_FILE).`,
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "YAML catalog file")

	load := func() (*catalog.Catalog, error) {
		path := file
		if path == "" {
			path = os.Getenv("ENGINE_CATALOG_FILE")
		}
		return loadCatalog(path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "badges",
		Short: "List badges by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := load()
			if err != nil {
				return err
			}
			return printBadges(cmd.OutOrStdout(), cat)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "quests",
		Short: "List quests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := load()
			if err != nil {
				return err
			}
			return printQuests(cmd.OutOrStdout(), cat)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "levels",
		Short: "Print the level table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := load()
			if err != nil {
				return err
			}
			return printLevels(cmd.OutOrStdout(), cat)
		},
	})
	return cmd
}

// tierColor renders a tier label in its color.
func tierColor(t catalog.Tier) string {
	var c *color.Color
	switch t {
	case catalog.TierBronze:
		c = color.New(color.FgYellow)
	case catalog.TierSilver:
		c = color.New(color.FgWhite)
	case catalog.TierGold:
		c = color.New(color.FgHiYellow, color.Bold)
	case catalog.TierPlatinum:
		c = color.New(color.FgHiCyan, color.Bold)
	default:
		c = color.New(color.Faint)
	}
	return c.Sprint(string(t))
}

func formatRequirements(reqs catalog.Requirements) string {
	if len(reqs) == 0 {
		return "granted"
	}
	keys := make([]string, 0, len(reqs))
	for k := range reqs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s>=%d", k, reqs[k])
	}
	return strings.Join(parts, ", ")
}

func printBadges(out io.Writer, cat *catalog.Catalog) error {
	for _, category := range cat.BadgeCategories() {
		fmt.Fprintln(out, color.New(color.Bold).Sprint(query.CategoryDisplayName(category)))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, b := range cat.Badges() {
			if b.Category != category {
				continue
			}
			fmt.Fprintf(w, "  %s %s\t%s\t%s XP\t%s\n", b.Icon, b.Name, tierColor(b.Tier), shared.FormatXP(b.XPReward), formatRequirements(b.Requirements))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func printQuests(out io.Writer, cat *catalog.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEST\tTIER\tREWARD\tLIMIT\tMIN LEVEL\tGOAL")
	for _, q := range cat.Quests() {
		limit := "none"
		if q.TimeLimitHours > 0 {
			limit = fmt.Sprintf("%dh", q.TimeLimitHours)
		}
		reward := shared.FormatXP(q.XPReward) + " XP"
		if q.BadgeReward != "" {
			reward += " + " + q.BadgeReward
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", q.Name, tierColor(q.Tier), reward, limit, max(q.MinLevel, 1), formatRequirements(q.Requirements))
	}
	return w.Flush()
}

func printLevels(out io.Writer, cat *catalog.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tTITLE\tXP TO NEXT\tPERKS")
	for _, l := range cat.Levels() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", l.Number, l.Title, shared.FormatXP(l.XPRequired), strings.Join(l.Perks, ", "))
	}
	return w.Flush()
}
