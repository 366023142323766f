package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/engine"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage profiles in the registry",
	}

	cmd.AddCommand(newProfileAddCommand())
	cmd.AddCommand(newProfileListCommand())
	cmd.AddCommand(newProfileShowCommand())
	cmd.AddCommand(newProfileRemoveCommand())
	cmd.AddCommand(newProfileTimestampsCommand())
	cmd.AddCommand(newProfileStateCommand())

	return cmd
}

func newProfileAddCommand() *cobra.Command {
	var (
		parent     string
		properties []string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create a profile",
		Example: `  # Create a root profile with an install folder
  provision profile add sdk --property installFolder=/opt/sdk

  # Create a profile that inherits properties from sdk
  provision profile add sdk-nightly --parent sdk`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseAssignments(properties)
			if err != nil {
				return err
			}

			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			p, err := rt.registry.AddProfile(ctx, args[0], props, parent)
			if err != nil {
				return err
			}

			rt.logger.Info().Str("profile_id", p.ID()).Int64("timestamp", p.Timestamp()).Msg("Profile added")
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), newProfileView(p))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added profile %s at %s\n", p.ID(), formatTimestamp(p.Timestamp()))
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "parent profile id")
	cmd.Flags().StringArrayVarP(&properties, "property", "p", nil, "profile property as key=value (repeatable)")

	return cmd
}

func newProfileListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			profiles := rt.registry.GetProfiles()
			if jsonOutput {
				views := make([]profileView, 0, len(profiles))
				for _, p := range profiles {
					views = append(views, newProfileView(p))
				}
				return writeJSON(cmd.OutOrStdout(), views)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tPARENT\tUNITS\tTIMESTAMP")
			for _, p := range profiles {
				parent := "-"
				if p.Parent() != nil {
					parent = p.Parent().ID()
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID(), parent, p.UnitCount(), formatTimestamp(p.Timestamp()))
			}
			return tw.Flush()
		},
	}
}

func newProfileShowCommand() *cobra.Command {
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a profile or one of its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var p *engine.Profile
			if timestamp != 0 {
				p, err = rt.registry.GetProfileAt(args[0], timestamp)
			} else {
				p, err = rt.registry.GetProfile(args[0])
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), newProfileView(p))
			}
			printProfile(cmd.OutOrStdout(), newProfileView(p))
			return nil
		},
	}

	cmd.Flags().Int64VarP(&timestamp, "timestamp", "t", 0, "snapshot timestamp (default: current)")

	return cmd
}

func newProfileRemoveCommand() *cobra.Command {
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a profile, or one of its older snapshots",
		Long: `Remove a profile with all of its snapshots and sub-profiles.

With --timestamp only that snapshot is removed. The current snapshot can
not be removed this way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if timestamp != 0 {
				if err := rt.registry.RemoveProfileAt(ctx, args[0], timestamp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed snapshot %d of %s\n", timestamp, args[0])
				return nil
			}

			if err := rt.registry.RemoveProfile(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed profile %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().Int64VarP(&timestamp, "timestamp", "t", 0, "remove only this snapshot")

	return cmd
}

func newProfileTimestampsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "timestamps <id>",
		Short: "List the snapshot timestamps of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			stamps, err := rt.registry.ListProfileTimestamps(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), stamps)
			}
			for _, ts := range stamps {
				fmt.Fprintln(cmd.OutOrStdout(), formatTimestamp(ts))
			}
			return nil
		},
	}
}

func newProfileStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage per-snapshot state properties",
		Long: `State properties annotate individual snapshots of a profile, for example
to tag a known-good state. They are removed together with their snapshot.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id> <timestamp>",
		Short: "Print the state properties of a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			props, err := rt.registry.ProfileStateProperties(args[0], ts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), props)
			}
			printProperties(cmd.OutOrStdout(), "", props)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <id> <timestamp> <key=value>...",
		Short: "Set state properties of a snapshot",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			props, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			return rt.registry.SetProfileStateProperties(ctx, args[0], ts, props)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id> <timestamp> [key]...",
		Short: "Remove state properties of a snapshot; all of them when no key is given",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			return rt.registry.RemoveProfileStateProperties(ctx, args[0], ts, args[2:]...)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "find <id> <key>",
		Short: "Show the value of a state property across all snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			values, err := rt.registry.ProfileStatePropertiesByKey(args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), values)
			}

			stamps := make([]int64, 0, len(values))
			for ts := range values {
				stamps = append(stamps, ts)
			}
			sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
			tw := newTable(cmd.OutOrStdout())
			for _, ts := range stamps {
				fmt.Fprintf(tw, "%d\t%s\n", ts, values[ts])
			}
			return tw.Flush()
		},
	})

	return cmd
}

func parseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return 0, engine.NewValidationError(fmt.Sprintf("invalid timestamp %q", s), err)
	}
	return ts, nil
}
