package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"localmodeld/internal/download"
	"localmodeld/internal/vram"
	"localmodeld/pkg/types"
)

func newModelsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models found in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			models, err := svc.LocalModels(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), types.ModelsResponse{Models: models})
			}
			return printModels(cmd.OutOrStdout(), models)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printModels(w io.Writer, models []types.LocalModelDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUANT\tPARAMS\tCONTEXT\tSIZE\tPARTS")
	for _, m := range models {
		parts := "-"
		if m.IsMultiPart {
			parts = fmt.Sprint(m.TotalParts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.Quant, orDash(m.ParameterHint),
			orDash(contextLabel(m.ContextHint)), humanize.IBytes(uint64(m.SizeBytes)), parts)
	}
	return tw.Flush()
}

func newEstimateCmd(a *app) *cobra.Command {
	var (
		asJSON   bool
		budgetMB int
	)
	cmd := &cobra.Command{
		Use:   "estimate <model-id|url>",
		Short: "Estimate VRAM for a local model or a remote GGUF URL",
		Example: "  modeld estimate llama-3.1-8b-q4_k_m\n" +
			"  modeld estimate https://huggingface.co/org/repo/resolve/main/model-Q4_K_M.gguf",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("budget-mb") {
				budgetMB = a.cfg.VRAMBudgetMB
			}
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			var ests []types.VRAMEstimate
			if isURL(args[0]) {
				res, err := svc.EstimateRemote(cmd.Context(), types.CatalogEntry{URL: args[0], Filename: download.FileNameFromURL(args[0])})
				if err != nil {
					return err
				}
				ests = res.Estimates
			} else {
				desc, err := svc.Manager().Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if desc.Architecture == nil {
					return fmt.Errorf("%s: no readable GGUF header", desc.ID)
				}
				if ests, err = svc.EstimateStandard(*desc.Architecture); err != nil {
					return err
				}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), ests)
			}
			return printEstimates(cmd.OutOrStdout(), ests, float64(budgetMB))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().IntVar(&budgetMB, "budget-mb", 0, "Mark configurations fitting this VRAM budget (defaults vram_budget_mb)")
	return cmd
}

func printEstimates(w io.Writer, ests []types.VRAMEstimate, budgetMB float64) error {
	best, hasBest := vram.LargestFitting(ests, budgetMB)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tGPU LAYERS\tCACHE\tEXPECTED\tCONSERVATIVE\tFITS")
	for _, e := range ests {
		fits := "-"
		if budgetMB > 0 {
			fits = "no"
			if e.ConservativeMB <= budgetMB {
				fits = "yes"
			}
			if hasBest && e.Config == best.Config {
				fits = "best"
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", e.Config.Label, e.Config.GPULayers, e.Config.CacheType,
			vram.FormatMB(e.ExpectedMB), vram.FormatMB(e.ConservativeMB), fits)
	}
	return tw.Flush()
}

func newPullCmd(a *app) *cobra.Command {
	var (
		filename string
		modelID  string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "pull <url>",
		Short: "Download a model (all parts of a split model) into the models directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("token") {
				a.cfg.HFToken = token
			}
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			if filename == "" {
				filename = download.FileNameFromURL(args[0])
			}
			entry := types.CatalogEntry{ModelID: modelID, URL: args[0], Filename: filename}
			out := cmd.ErrOrStderr()
			err = svc.DownloadModel(cmd.Context(), entry, "", download.Options{
				OnProgress: func(p types.DownloadProgress) { printProgress(out, p) },
			})
			fmt.Fprintln(out)
			if err != nil {
				if download.IsAccessDenied(err) {
					return fmt.Errorf("%w (set hf_token or MODELD_HF_TOKEN)", err)
				}
				return err
			}
			a.log.Info().Str("filename", filename).Msg("download complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "Destination filename (defaults to the URL's base name)")
	cmd.Flags().StringVar(&modelID, "model-id", "", "Catalog model id, for logs")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for gated models (defaults hf_token)")
	return cmd
}

func printProgress(w io.Writer, p types.DownloadProgress) {
	part := ""
	if p.TotalParts > 0 {
		part = fmt.Sprintf(" part %d/%d", p.Part, p.TotalParts)
	}
	// Servers that omit Content-Length report Total as -1.
	total := "?"
	if p.Total > 0 {
		total = humanize.IBytes(uint64(p.Total))
	}
	fmt.Fprintf(w, "\r%s%s %5.1f%% %s/%s %s   ", p.Filename, part, p.Percent,
		humanize.IBytes(uint64(p.Downloaded)), total, p.Speed)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func contextLabel(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(vram.ContextLabel(n), " context")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

