package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/external-adapters/yaml"
)

func runList(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	flags := registerConfigFlags(fs, false)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pybuilder list [options]

List all available package recipes.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	cfg, err := flags.resolve(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	recipes, err := yaml.NewRecipeRepository(cfg.PackagesDir).ListRecipes(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing packages: %v\n", err)
		return 1
	}

	printRecipes(os.Stdout, recipes)
	return 0
}

func printRecipes(w io.Writer, recipes []*entities.Recipe) {
	fmt.Fprintf(w, "Available packages (%d total):\n\n", len(recipes))

	for _, r := range recipes {
		fmt.Fprintf(w, "  %-20s %s\n", r.Name+"@"+r.Version, r.Description)
		fmt.Fprintf(w, "  %-20s Source: %s (%s)\n", "", r.Source.URL(), r.Source.Kind())
		fmt.Fprintf(w, "  %-20s Commands: %v\n", "", r.Build.Commands)

		if r.Verification.SHA256 != "" {
			fmt.Fprintf(w, "  %-20s Checksum: sha256 pinned\n", "")
		}
		if r.Verification.SignatureURL != "" {
			fmt.Fprintf(w, "  %-20s Signature: %s\n", "", r.Verification.SignatureURL)
		}

		fmt.Fprintln(w)
	}
}
