package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-cozmonaut/internal/printer"
	"github.com/teslashibe/go-cozmonaut/pkg/identity"
)

func newFriendsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "Manage remembered friends",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List remembered friends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := identity.Open(cmd.Context(), g.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			friends, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(friends) == 0 {
				printer.Info("no friends yet")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), formatFriendsTable(friends, time.Now()))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Forget a friend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid face id %q", args[0])
			}
			store, err := identity.Open(cmd.Context(), g.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Remove(cmd.Context(), id); err != nil {
				if errors.Is(err, identity.ErrNotFound) {
					return printer.Error("Friend not found", err.Error(), "run 'cozmonaut friends list'")
				}
				return err
			}
			printer.Success("forgot friend %d", id)
			return nil
		},
	})
	return cmd
}

func formatFriendsTable(friends []identity.Friend, now time.Time) string {
	rows := make([][]string, 0, len(friends))
	for _, f := range friends {
		seen := mutedStyle.Render("never")
		if !f.LastSeen.IsZero() {
			seen = ago(now.Sub(f.LastSeen))
		}
		rows = append(rows, []string{
			strconv.Itoa(f.ID),
			f.Name,
			f.CreatedAt.Format(time.DateOnly),
			seen,
		})
	}
	return renderTable([]string{"ID", "NAME", "MET", "LAST SEEN"}, rows)
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
