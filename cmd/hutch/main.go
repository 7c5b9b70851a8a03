package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudhutch/hutch/pkg/client"
	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - single-host platform for tiny web projects",
	Long: `Hutch runs many small tenant projects on one host: each project is a
container behind a shared ingress, started lazily on the first request
and stopped again when idle.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", "127.0.0.1:8080", "Control API address")
	rootCmd.PersistentFlags().String("admin-token", "", "Admin token for privileged operations")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(domainCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(adminCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("admin-token")
	c := client.New(addr)
	if token != "" {
		c = c.WithAdminToken(token)
	}
	return c
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Server command

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the full control plane on this host: the project store, the
scheduler, the ingress proxy, the certificate manager, and the control
API. One process, one host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		noACME, _ := cmd.Flags().GetBool("no-acme")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		srv, err := server.New(cfg, server.Options{DisableACME: noACME})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file")
	serverCmd.Flags().Bool("no-acme", false, "Disable certificate management (plain HTTP only)")
}

// Project commands

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create and start a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		env, _ := cmd.Flags().GetStringArray("env")

		ctx, cancel := cmdContext()
		defer cancel()

		p, err := apiClient(cmd).CreateProject(ctx, args[0], image, env, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Project %s created\n", p.Name)
		fmt.Printf("  Hostname: %s\n", p.Hostname)
		fmt.Printf("  State:    %s\n", p.State)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := cmdContext()
		defer cancel()

		projects, err := apiClient(cmd).ListProjects(ctx, state, offset, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tHOSTNAME\tIMAGE\tUPDATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.Name, p.State, p.Hostname, p.Image, p.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var projectStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show a project's state and resource usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		st, err := apiClient(cmd).Status(ctx, args[0])
		if err != nil {
			return err
		}
		p := st.Project
		fmt.Printf("Name:     %s\n", p.Name)
		fmt.Printf("State:    %s\n", p.State)
		fmt.Printf("Hostname: %s\n", p.Hostname)
		fmt.Printf("Image:    %s\n", p.Image)
		if p.LastError != "" {
			fmt.Printf("Error:    %s\n", p.LastError)
		}
		if st.Stats != nil {
			fmt.Printf("CPU:      %d ns\n", st.Stats.CPUNanos)
			fmt.Printf("Memory:   %d bytes\n", st.Stats.MemoryBytes)
		}
		return nil
	},
}

func signalCommand(use, short string, call func(*client.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			if err := call(apiClient(cmd), ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ %s accepted for %s\n", cmd.Name(), args[0])
			return nil
		},
	}
}

func init() {
	projectCreateCmd.Flags().String("image", "", "Container image (required)")
	projectCreateCmd.Flags().StringArray("env", nil, "Environment variable KEY=VALUE (repeatable)")
	_ = projectCreateCmd.MarkFlagRequired("image")

	projectListCmd.Flags().String("state", "", "Filter by state")
	projectListCmd.Flags().Int("offset", 0, "Pagination offset")
	projectListCmd.Flags().Int("limit", 0, "Pagination limit")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectStatusCmd)
	projectCmd.AddCommand(signalCommand("start [name]", "Start a project", func(c *client.Client, ctx context.Context, key string) error {
		return c.StartProject(ctx, key)
	}))
	projectCmd.AddCommand(signalCommand("stop [name]", "Stop a project", func(c *client.Client, ctx context.Context, key string) error {
		return c.StopProject(ctx, key)
	}))
	projectCmd.AddCommand(signalCommand("restart [name]", "Restart a project", func(c *client.Client, ctx context.Context, key string) error {
		return c.RestartProject(ctx, key)
	}))
	projectCmd.AddCommand(signalCommand("destroy [name]", "Destroy a project permanently", func(c *client.Client, ctx context.Context, key string) error {
		return c.DestroyProject(ctx, key)
	}))
}

// Domain commands

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage custom domains",
}

var domainAttachCmd = &cobra.Command{
	Use:   "attach [project] [domain]",
	Short: "Attach a custom domain to a project",
	Long: `Attach a custom domain. The domain's DNS must already point at the
platform (CNAME onto the platform domain, or the same A record);
certificate issuance happens in the background after attachment.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		if err := apiClient(cmd).AttachDomain(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Domain %s attached to %s\n", args[1], args[0])
		return nil
	},
}

var domainListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List a project's hostnames",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		hostname, domains, err := apiClient(cmd).ListDomains(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (platform)\n", hostname)
		for _, d := range domains {
			fmt.Println(d)
		}
		return nil
	},
}

var domainDetachCmd = &cobra.Command{
	Use:   "detach [project] [domain]",
	Short: "Detach a custom domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		if err := apiClient(cmd).DetachDomain(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Domain %s detached from %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	domainCmd.AddCommand(domainAttachCmd)
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainDetachCmd)
}

// Certificate commands

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage TLS certificates",
}

var certRequestCmd = &cobra.Command{
	Use:   "request [project]",
	Short: "Request certificates for a project's hostnames",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		if err := apiClient(cmd).RequestCertificate(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Certificate issuance queued for %s\n", args[0])
		return nil
	},
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored certificates (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		certs, err := apiClient(cmd).ListCertificates(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAINS\tISSUER\tEXPIRES\tAUTO-RENEW")
		for _, c := range certs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n",
				strings.Join(c.Domains, ","), c.Issuer, c.NotAfter.Format(time.RFC3339), c.AutoRenew)
		}
		return w.Flush()
	},
}

func init() {
	certCmd.AddCommand(certRequestCmd)
	certCmd.AddCommand(certListCmd)
}

// Admin commands

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Privileged operations",
}

var adminReviveCmd = &cobra.Command{
	Use:   "revive [project]",
	Short: "Revive an errored project past its retry cap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		if err := apiClient(cmd).Revive(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Revive accepted for %s\n", args[0])
		return nil
	},
}

var adminCapacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Show host capacity and admission limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		info, err := apiClient(cmd).Capacity(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Host cores:           %d\n", info.HostCores)
		fmt.Printf("Resident containers:  %d / %d\n", info.Resident, info.MaxResident)
		fmt.Printf("Concurrent starts:    max %d\n", info.MaxStarts)
		return nil
	},
}

func init() {
	adminCmd.AddCommand(adminReviveCmd)
	adminCmd.AddCommand(adminCapacityCmd)
}
