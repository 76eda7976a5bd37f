package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/config"
	"github.com/djlord-it/triggerd/internal/cron"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/manifest"
)

// applyManifestFile validates the whole manifest before creating anything.
func applyManifestFile(ctx context.Context, svc *admin.Service, path string, logger zerolog.Logger) error {
	m, err := manifest.Load(path)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", path, err)
	}
	if err := manifest.Validate(svc, m); err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}
	res, err := manifest.Apply(ctx, svc, m)
	if err != nil {
		return fmt.Errorf("apply manifest %s: %w", path, err)
	}
	logger.Info().
		Str("manifest", path).
		Strs("created", res.Created).
		Strs("skipped", res.Skipped).
		Msg("manifest applied")
	return nil
}

func runApply(c *cli.Context) error {
	path := c.String("file")
	if path == "" {
		return cli.NewExitError("apply: --file is required", exitInvalidConfig)
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitRuntimeError)
	}
	defer closeStore()

	e := buildEngine(cfg, store, nil, logger)
	if e.redis != nil {
		defer e.redis.Close()
	}
	if err := applyManifestFile(ctx, e.service, path, logger); err != nil {
		return cli.NewExitError(err.Error(), exitRuntimeError)
	}
	return nil
}

func runExport(c *cli.Context) error {
	format := strings.ToLower(c.String("format"))
	if format != "yaml" && format != "json" {
		return cli.NewExitError(fmt.Sprintf("export: unknown format %q", format), exitInvalidConfig)
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitRuntimeError)
	}
	defer closeStore()

	triggers, err := listAllTriggers(ctx, store)
	if err != nil {
		return cli.NewExitError(err.Error(), exitRuntimeError)
	}
	m := manifest.FromTriggers(triggers)

	var data []byte
	if format == "json" {
		data, err = json.MarshalIndent(m, "", "  ")
	} else {
		data, err = manifest.Marshal(m)
	}
	if err != nil {
		return cli.NewExitError(err.Error(), exitRuntimeError)
	}
	fmt.Fprintln(c.App.Writer, strings.TrimRight(string(data), "\n"))
	return nil
}

// listAllTriggers pages through every stored trigger.
func listAllTriggers(ctx context.Context, store admin.Store) ([]domain.Trigger, error) {
	var all []domain.Trigger
	for offset := 0; ; offset += admin.MaxLimit {
		page, err := store.ListTriggers(ctx, admin.MaxLimit, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < admin.MaxLimit {
			return all, nil
		}
	}
}

// runValidate checks the configuration and, when given, a manifest. No
// connections are made.
func runValidate(c *cli.Context) error {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cli.NewExitError(err.Error(), exitInvalidConfig)
	}

	if path := c.String("file"); path != "" {
		m, err := manifest.Load(path)
		if err != nil {
			return cli.NewExitError(err.Error(), exitInvalidConfig)
		}
		svc := admin.NewService(admin.Config{DefaultRetry: defaultRetry(cfg)}, nil, cron.NewParser())
		if err := manifest.Validate(svc, m); err != nil {
			return cli.NewExitError(err.Error(), exitInvalidConfig)
		}
		fmt.Fprintf(c.App.Writer, "manifest valid (%d triggers)\n", len(m.Triggers))
	}

	fmt.Fprintln(c.App.Writer, "configuration valid")
	return nil
}

func runConfig(c *cli.Context) error {
	data, err := config.Load().MaskedJSON()
	if err != nil {
		return cli.NewExitError("failed to marshal config: "+err.Error(), exitRuntimeError)
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}
