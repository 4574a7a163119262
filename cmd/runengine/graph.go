package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/runengine/internal/config"
	"github.com/rendis/runengine/internal/diagram"
	"github.com/rendis/runengine/internal/validation"
)

func newGraphCmd(root *rootOptions) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the configured step graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			sv, err := validation.NewSchemaValidator()
			if err != nil {
				return err
			}
			g, err := loadGraph(cfg, sv)
			if err != nil {
				return err
			}
			data, err := renderGraph(cmd, diagram.Build(g, nil), format)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "mermaid, ascii, png or svg")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func renderGraph(cmd *cobra.Command, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "png", "svg":
		return diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

