// Command seed writes a default, fully-migrated settings document into
// storage so a fresh deployment starts with sane planner knobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/storage"
	"github.com/helioplan/helioplan/pkg/types"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	db := storage.Configured()
	overwrite := lflag.Bool("overwrite", false, "Replace existing settings instead of keeping them")

	lflag.Configure()

	ctx := context.Background()
	defer db.Close()

	existing, version, err := db.GetSettings(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read settings: %v\n", err)
		os.Exit(1)
	}
	if version >= types.CurrentSettingsVersion && !*overwrite {
		fmt.Println("settings already seeded, use --overwrite to replace")
		return
	}

	seeded := existing
	if *overwrite {
		seeded = types.Settings{}
	}
	seeded, _, err = types.MigrateSettings(seeded, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build default settings: %v\n", err)
		os.Exit(1)
	}
	// planning stays harmless until the operator enables control
	seeded.DryRun = true

	if err := db.SetSettings(ctx, seeded, types.CurrentSettingsVersion); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save settings: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(seeded, "", "  ")
	fmt.Printf("seeded settings (version %d):\n%s\n", types.CurrentSettingsVersion, out)
}
