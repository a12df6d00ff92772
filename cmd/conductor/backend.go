package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/router"
	"github.com/beatline/conductor/internal/types"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Read and edit beats through the repository's backend",
}

var backendDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show which backend serves the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := routes.Resolve(repoPath)
		return emit(res, err, func(res router.Resolution) {
			fmt.Printf("%s %s → %s\n", green("✓"), res.Path, cyan(string(res.Type)))
			c := res.Capabilities
			for _, f := range []struct {
				name string
				ok   bool
			}{
				{"create", c.CanCreate},
				{"update", c.CanUpdate},
				{"delete", c.CanDelete},
				{"close", c.CanClose},
				{"search", c.CanSearch},
				{"query", c.CanQuery},
				{"ready", c.CanListReady},
				{"dependencies", c.CanManageDependencies},
				{"labels", c.CanManageLabels},
			} {
				marker := green("✓")
				if !f.ok {
					marker = gray("✗")
				}
				fmt.Printf("  %s %s\n", marker, f.name)
			}
		})
	},
}

var backendListCmd = &cobra.Command{
	Use:   "list",
	Short: "List beats",
	RunE: func(cmd *cobra.Command, args []string) error {
		beats, err := store.List(cmd.Context(), repoPath, filterFromFlags(cmd))
		return emit(beats, err, printBeats)
	},
}

var backendReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List beats with no open blockers",
	RunE: func(cmd *cobra.Command, args []string) error {
		beats, err := store.ListReady(cmd.Context(), repoPath, filterFromFlags(cmd))
		return emit(beats, err, printBeats)
	},
}

var backendShowCmd = &cobra.Command{
	Use:   "show <beat-id>",
	Short: "Show one beat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		beat, err := store.Get(cmd.Context(), repoPath, args[0])
		return emit(beat, err, printBeat)
	},
}

var backendSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search beat titles and descriptions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		beats, err := store.Search(cmd.Context(), repoPath, args[0], filterFromFlags(cmd))
		return emit(beats, err, printBeats)
	},
}

var backendQueryCmd = &cobra.Command{
	Use:   "query <expression>",
	Short: "List beats matching a field:value expression",
	Long: `List beats matching an expression of field:value terms joined by
and/or, for example "state:open and label:backend".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")
		beats, err := store.Query(cmd.Context(), repoPath, args[0], types.QueryOptions{Limit: limit, IncludeClosed: all})
		return emit(beats, err, printBeats)
	},
}

var backendCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a beat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := types.CreateInput{Title: args[0]}
		in.Description, _ = cmd.Flags().GetString("description")
		beatType, _ := cmd.Flags().GetString("type")
		in.Type = types.BeatType(beatType)
		in.Labels, _ = cmd.Flags().GetStringSlice("label")
		in.Parent, _ = cmd.Flags().GetString("parent")
		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			in.Priority = &p
		}
		beat, err := store.Create(cmd.Context(), repoPath, in)
		return emit(beat, err, func(b *types.Beat) {
			fmt.Printf("%s Created %s: %s\n", green("✓"), cyan(b.ID), b.Title)
		})
	},
}

var backendCloseCmd = &cobra.Command{
	Use:   "close <beat-id>",
	Short: "Close a beat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		err := store.Close(cmd.Context(), repoPath, args[0], reason)
		return emit(args[0], err, func(id string) {
			fmt.Printf("%s Closed %s\n", green("✓"), cyan(id))
		})
	},
}

var backendDepCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies between beats",
}

var backendDepAddCmd = &cobra.Command{
	Use:   "add <blocker> <blocked>",
	Short: "Record that blocker must finish before blocked",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := depOptions(cmd)
		if err != nil {
			return err
		}
		err = store.AddDependency(cmd.Context(), repoPath, args[0], args[1], opts)
		dep := types.Dependency{Source: args[0], Target: args[1], Type: opts.Type.OrDefault()}
		return emit(dep, err, func(d types.Dependency) {
			fmt.Printf("%s %s %s %s\n", green("✓"), cyan(d.Source), d.Type, cyan(d.Target))
		})
	},
}

var backendDepRemoveCmd = &cobra.Command{
	Use:   "remove <blocker> <blocked>",
	Short: "Remove a dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := depOptions(cmd)
		if err != nil {
			return err
		}
		err = store.RemoveDependency(cmd.Context(), repoPath, args[0], args[1], opts)
		dep := types.Dependency{Source: args[0], Target: args[1], Type: opts.Type.OrDefault()}
		return emit(dep, err, func(d types.Dependency) {
			fmt.Printf("%s Removed %s %s %s\n", green("✓"), cyan(d.Source), d.Type, cyan(d.Target))
		})
	},
}

var backendDepListCmd = &cobra.Command{
	Use:   "list <beat-id>",
	Short: "List a beat's dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := depOptions(cmd)
		if err != nil {
			return err
		}
		deps, err := store.ListDependencies(cmd.Context(), repoPath, args[0], opts)
		return emit(deps, err, func(deps []types.Dependency) {
			if len(deps) == 0 {
				fmt.Println(gray("No dependencies"))
				return
			}
			for _, d := range deps {
				fmt.Printf("%s %s %s\n", cyan(d.Source), d.Type, cyan(d.Target))
			}
		})
	},
}

func filterFromFlags(cmd *cobra.Command) types.Filter {
	var f types.Filter
	f.State, _ = cmd.Flags().GetString("state")
	beatType, _ := cmd.Flags().GetString("type")
	f.Type = types.BeatType(beatType)
	f.Label, _ = cmd.Flags().GetString("label")
	f.Parent, _ = cmd.Flags().GetString("parent")
	f.IncludeClosed, _ = cmd.Flags().GetBool("all")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	return f
}

func depOptions(cmd *cobra.Command) (backend.DependencyOptions, error) {
	t, _ := cmd.Flags().GetString("type")
	opts := backend.DependencyOptions{Type: types.DependencyType(t)}
	if t != "" && !opts.Type.IsValid() {
		return opts, backend.InvalidInput("unknown dependency type %q", t).WithOp("backend.dep")
	}
	return opts, nil
}

func init() {
	for _, c := range []*cobra.Command{backendListCmd, backendReadyCmd, backendSearchCmd} {
		c.Flags().String("state", "", "Only beats in this state")
		c.Flags().String("type", "", "Only beats of this type")
		c.Flags().String("label", "", "Only beats with this label")
		c.Flags().String("parent", "", "Only children of this beat")
		c.Flags().Bool("all", false, "Include closed beats")
		c.Flags().Int("limit", 0, "Maximum number of beats (0 for no limit)")
	}
	backendQueryCmd.Flags().Bool("all", false, "Include closed beats")
	backendQueryCmd.Flags().Int("limit", 0, "Maximum number of beats (0 for no limit)")

	backendCreateCmd.Flags().StringP("description", "d", "", "Description")
	backendCreateCmd.Flags().StringP("type", "t", "", "Beat type (task, bug, feature, epic, chore)")
	backendCreateCmd.Flags().IntP("priority", "p", types.DefaultPriority, "Priority from 0 (highest) to 4")
	backendCreateCmd.Flags().StringSlice("label", nil, "Labels (repeatable or comma separated)")
	backendCreateCmd.Flags().String("parent", "", "Parent beat")

	backendCloseCmd.Flags().String("reason", "", "Close reason")

	for _, c := range []*cobra.Command{backendDepAddCmd, backendDepRemoveCmd, backendDepListCmd} {
		c.Flags().String("type", "", "Dependency type: blocks or parent-child")
	}
	backendDepCmd.AddCommand(backendDepAddCmd, backendDepRemoveCmd, backendDepListCmd)

	backendCmd.AddCommand(
		backendDetectCmd,
		backendListCmd,
		backendReadyCmd,
		backendShowCmd,
		backendSearchCmd,
		backendQueryCmd,
		backendCreateCmd,
		backendCloseCmd,
		backendDepCmd,
	)
	rootCmd.AddCommand(backendCmd)
}
