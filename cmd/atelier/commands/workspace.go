package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atelier-sh/atelier/pkg/orchestrator"
	"github.com/atelier-sh/atelier/pkg/stores"
)

func newWorkspaceCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage workspaces",
	}

	cmd.AddCommand(newWorkspaceCreateCommand(version))
	cmd.AddCommand(newWorkspaceListCommand(version))
	cmd.AddCommand(newWorkspaceGetCommand(version))
	cmd.AddCommand(newWorkspaceStopCommand(version))
	cmd.AddCommand(newWorkspaceDeleteCommand(version))

	return cmd
}

func newWorkspaceCreateCommand(version string) *cobra.Command {
	var (
		userID    string
		sessionID string
		tier      string
		region    string
		arch      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a workspace",
		Example: `  # Create an ARM workspace
  atelier workspace create --user alice --session s-42 --tier pro_arm

  # Pin the region
  atelier workspace create --user alice --session s-42 --tier gpu_a10 --region us-east`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			req := orchestrator.CreateRequest{
				UserID:    userID,
				SessionID: sessionID,
				Tier:      tier,
			}
			if region != "" {
				req.RegionPref = &region
			}
			if arch != "" {
				req.ArchPref = &arch
			}

			ws, err := a.orch.Create(cmd.Context(), req)
			if err != nil {
				return err
			}

			printWorkspace(ws)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owning user ID")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID")
	cmd.Flags().StringVar(&tier, "tier", "", "hardware tier name")
	cmd.Flags().StringVar(&region, "region", "", "preferred region")
	cmd.Flags().StringVar(&arch, "arch", "", "preferred architecture (x86_64 or arm64)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("tier")

	return cmd
}

func newWorkspaceListCommand(version string) *cobra.Command {
	var (
		userID    string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			var filter stores.ListFilter
			if userID != "" {
				filter.UserID = &userID
			}
			if sessionID != "" {
				filter.SessionID = &sessionID
			}

			workspaces, err := a.orch.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(workspaces)
			}
			for _, ws := range workspaces {
				server := "-"
				if ws.ServerID != nil {
					server = *ws.ServerID
				}
				fmt.Printf("%s  %-10s  %-12s  user=%s  server=%s\n", ws.ID, ws.Status, ws.Tier, ws.UserID, server)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user ID")
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session ID")

	return cmd
}

func newWorkspaceGetCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			ws, err := a.orch.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printWorkspace(ws)
			return nil
		},
	}
}

func newWorkspaceStopCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a workspace, preserving its record and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			ws, err := a.orch.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printWorkspace(ws)
			return nil
		},
	}
}

func newWorkspaceDeleteCommand(version string) *cobra.Command {
	var discardFiles bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.orch.Delete(cmd.Context(), args[0], !discardFiles); err != nil {
				return err
			}
			fmt.Printf("workspace %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&discardFiles, "discard-files", false, "also delete the workspace's files")

	return cmd
}

func printWorkspace(ws *stores.Workspace) {
	if jsonOutput {
		_ = printJSON(ws)
		return
	}
	fmt.Printf("id:        %s\n", ws.ID)
	fmt.Printf("status:    %s\n", ws.Status)
	fmt.Printf("tier:      %s\n", ws.Tier)
	fmt.Printf("user:      %s\n", ws.UserID)
	fmt.Printf("session:   %s\n", ws.SessionID)
	if ws.ServerID != nil {
		fmt.Printf("server:    %s\n", *ws.ServerID)
	}
	if ws.ContainerID != nil {
		fmt.Printf("container: %s\n", *ws.ContainerID)
	}
	fmt.Printf("ports:     %s\n", ws.Ports)
	fmt.Printf("created:   %s\n", ws.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if ws.Error != nil {
		fmt.Printf("error:     %s\n", *ws.Error)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
