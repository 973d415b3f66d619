package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/termbridge/termbridge/internal/theme"
)

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			infos, err := dir.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				attached := "no"
				if info.Attached {
					attached = "yes"
				}
				rows = append(rows, []string{
					info.Name, strconv.Itoa(info.Windows), attached, info.Created, info.LastActivity, info.WorkingDir,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Table(
				[]string{"NAME", "WINDOWS", "ATTACHED", "CREATED", "ACTIVITY", "DIR"},
				rows,
				func(row, col int) lipgloss.Style {
					switch {
					case col == 2 && infos[row].Attached:
						return theme.Attached
					case col == 3 || col == 4:
						return theme.Dimmed
					}
					return lipgloss.NewStyle()
				},
			))
			return nil
		},
	}
}

func newCreateCommand(opts *options) *cobra.Command {
	var workingDir string
	cmd := &cobra.Command{
		Use:     "new NAME",
		Aliases: []string{"create"},
		Short:   "Create a detached session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			if err := dir.Create(cmd.Context(), args[0], workingDir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&workingDir, "cwd", "c", "", "Start directory for the session")
	return cmd
}

func newKillCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "kill NAME",
		Short: "Kill a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			if err := dir.Kill(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Killed session %s\n", args[0])
			return nil
		},
	}
}
