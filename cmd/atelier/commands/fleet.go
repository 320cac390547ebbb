package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelier-sh/atelier/pkg/fleet"
)

func newFleetCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspect and test fleet servers",
	}

	cmd.AddCommand(newFleetListCommand(version))
	cmd.AddCommand(newFleetTestCommand(version))
	cmd.AddCommand(newFleetImagesCommand(version))
	cmd.AddCommand(newFleetPullCommand(version))

	return cmd
}

func newFleetListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered fleet servers and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			servers := a.registry.AllServers()
			if jsonOutput {
				return printJSON(servers)
			}
			for _, server := range servers {
				health := "healthy"
				if !server.Healthy {
					health = "UNHEALTHY"
				}
				gpu := ""
				if server.HasGPU() {
					gpu = "  gpu=" + server.GPUType
				}
				fmt.Printf("%-12s  %-22s  %-7s  %-10s  %s%s\n",
					server.ID, server.Address(), server.Architecture, server.Region, health, gpu)
			}
			return nil
		},
	}
}

func newFleetTestCommand(version string) *cobra.Command {
	var (
		host    string
		port    int
		tlsCert string
		tlsKey  string
		tlsCA   string
	)

	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Test connectivity to a host without registering it",
		Example: `  # Plaintext agent
  atelier fleet test-connection --host 10.0.0.5 --port 8400

  # Mutual TLS
  atelier fleet test-connection --host 10.0.0.5 --port 8400 \
    --tls-cert client.pem --tls-key client.key --tls-ca ca.pem`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			cfg := fleet.ServerConfig{Host: host, Port: port}
			if tlsCert != "" || tlsKey != "" || tlsCA != "" {
				cfg.TLS = &fleet.TLSMaterial{CertPath: tlsCert, KeyPath: tlsKey, CAPath: tlsCA}
			}

			success, message, info := a.registry.TestConnection(cmd.Context(), cfg)
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"success":   success,
					"message":   message,
					"host_info": info,
				})
			}

			fmt.Printf("success: %v\nmessage: %s\n", success, message)
			if info != nil {
				fmt.Printf("host:    %s (%s/%s, agent %s, %d containers)\n",
					info.Name, info.OS, info.Architecture, info.AgentVersion, info.Containers)
			}
			if !success {
				return fmt.Errorf("connection test failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "host address")
	cmd.Flags().IntVar(&port, "port", 0, "agent port")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "client certificate path")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "client key path")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "CA certificate path")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func newFleetImagesCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "images <server-id>",
		Short: "List the image catalog of a fleet server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			images, err := a.registry.ListImages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(images)
			}
			for _, image := range images {
				fmt.Printf("%-16s  %6d MB  %v\n", image.ID, image.SizeMB, image.Tags)
			}
			return nil
		},
	}
}

func newFleetPullCommand(version string) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "pull <server-id> <image>",
		Short: "Pull an image onto a fleet server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			success, message := a.registry.PullImage(cmd.Context(), args[0], args[1], tag)
			fmt.Println(message)
			if !success {
				return fmt.Errorf("image pull failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "latest", "image tag")

	return cmd
}
