package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudhutch/hutch/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a project definition file",
	Long: `Apply a project definition from a YAML file. The project is created
if it does not exist; an existing project is updated and restarted when
the definition changed.

Examples:
  # Apply a project definition
  hutch apply -f project.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// ProjectDefinition is the YAML shape accepted by apply.
type ProjectDefinition struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   ProjectMetadata `yaml:"metadata"`
	Spec       ProjectSpec     `yaml:"spec"`
}

type ProjectMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type ProjectSpec struct {
	Image   string   `yaml:"image"`
	Env     []string `yaml:"env,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var def ProjectDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if def.Kind != "" && def.Kind != "Project" {
		return fmt.Errorf("unsupported resource kind: %s", def.Kind)
	}
	if def.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if def.Spec.Image == "" {
		return fmt.Errorf("spec.image is required")
	}

	c := apiClient(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	existing, err := c.GetProject(ctx, def.Metadata.Name)
	if err != nil {
		// Not found: create fresh.
		p, err := c.CreateProject(ctx, def.Metadata.Name, def.Spec.Image, def.Spec.Env, def.Metadata.Labels)
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		fmt.Printf("✓ Project created: %s (%s)\n", p.Name, p.Hostname)
		return applyDomains(ctx, c, p.Name, def.Spec.Domains)
	}

	if existing.Image != def.Spec.Image || !equalEnv(existing.Env, def.Spec.Env) {
		fmt.Printf("Updating project: %s\n", existing.Name)
		err := c.UpdateProject(ctx, existing.Name, def.Spec.Image, def.Spec.Env, def.Metadata.Labels)
		if err != nil {
			return fmt.Errorf("failed to update project: %w", err)
		}
		fmt.Printf("✓ Project updated: %s\n", existing.Name)
	} else {
		fmt.Printf("✓ Project unchanged: %s\n", existing.Name)
	}
	return applyDomains(ctx, c, existing.Name, def.Spec.Domains)
}

func applyDomains(ctx context.Context, c *client.Client, project string, domains []string) error {
	for _, d := range domains {
		if err := c.AttachDomain(ctx, project, d); err != nil {
			return fmt.Errorf("failed to attach domain %s: %w", d, err)
		}
		fmt.Printf("✓ Domain attached: %s\n", d)
	}
	return nil
}

func equalEnv(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}
