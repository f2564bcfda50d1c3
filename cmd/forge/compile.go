package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashuein/contentforge/internal/assets"
	"github.com/ashuein/contentforge/internal/cache"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

func newCompileCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		specPath   string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile one asset spec to SVG",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return compileOnce(cfg, kind, specPath, outPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&kind, "type", "t", "", "asset kind: plot, diagram or chem")
	cmd.Flags().StringVarP(&specPath, "spec", "s", "", "path to the spec JSON file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output SVG path (default stdout)")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("spec")
	return cmd
}

func compileOnce(cfg config.Config, kind, specPath, outPath string) error {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	m := metrics.New()

	data, err := os.ReadFile(specPath)
	if err != nil {
		return err
	}

	var spec types.AssetSpec
	switch types.AssetKind(kind) {
	case types.AssetPlot:
		spec.Kind = types.AssetPlot
		spec.Plot = &types.PlotSpec{}
		err = json.Unmarshal(data, spec.Plot)
	case types.AssetDiagram:
		spec.Kind = types.AssetDiagram
		spec.Diagram = &types.DiagramSpec{}
		err = json.Unmarshal(data, spec.Diagram)
	case types.AssetChem:
		spec.Kind = types.AssetChem
		spec.Chem = &types.ChemSpec{}
		err = json.Unmarshal(data, spec.Chem)
	default:
		return fmt.Errorf("unsupported asset type %q", kind)
	}
	if err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}

	store, err := cache.New(cfg.Cache, cfg.Paths.CacheDir, log, m)
	if err != nil {
		return err
	}
	defer store.Close()

	precompiled := assets.NewPrecompiledIndex(cfg.Paths.PrecompiledDir, log)
	defer precompiled.Close()
	adapter := assets.NewAdapter(cfg.Pipeline, store, precompiled, log, m)

	result := adapter.Compile(context.Background(), spec, "cli")
	if !result.Success {
		return fmt.Errorf("compile failed: %s", result.Error)
	}

	if outPath == "" {
		fmt.Println(result.SVG)
		return nil
	}
	return os.WriteFile(outPath, []byte(result.SVG), 0o644)
}
