package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/engine"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Print a model's configuration, weight layout and special tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := config.Default()
			m, err := loadModel(args[0], rt)
			if err != nil {
				return err
			}
			defer m.Close()

			writeDescription(cmd.OutOrStdout(), m.Describe())
			return nil
		},
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(false)
	return table
}

func writeDescription(w io.Writer, d engine.Description) {
	fmt.Fprintf(w, "model:  %s\ndevice: %s\n\n", d.Path, d.Device)

	c := d.Config
	params := newTable(w, "PARAMETER", "VALUE")
	params.AppendBulk([][]string{
		{"context_length", strconv.Itoa(c.ContextLength)},
		{"num_blocks", strconv.Itoa(c.NumBlocks)},
		{"num_experts", strconv.Itoa(c.NumExperts)},
		{"num_active_experts", strconv.Itoa(c.NumActiveExperts)},
		{"embedding_dim", strconv.Itoa(c.EmbeddingDim)},
		{"mlp_dim", strconv.Itoa(c.MLPDim)},
		{"swiglu_limit", formatFloat(c.SwiGLULimit)},
		{"head_dim", strconv.Itoa(c.HeadDim)},
		{"num_heads", strconv.Itoa(c.NumHeads)},
		{"num_kv_heads", strconv.Itoa(c.NumKVHeads)},
		{"attention_window", strconv.Itoa(c.AttentionWindow)},
		{"rope_theta", formatFloat(c.RopeTheta)},
		{"interpolation_scale", formatFloat(c.InterpolationScale)},
		{"yarn_offset", formatFloat(c.YarnOffset)},
		{"yarn_scale", formatFloat(c.YarnScale)},
		{"yarn_multiplier", formatFloat(c.YarnMultiplier)},
		{"rmsnorm_epsilon", formatFloat(c.RMSNormEpsilon)},
		{"vocabulary_size", strconv.Itoa(c.VocabularySize)},
	})
	params.Render()
	fmt.Fprintln(w)

	regions := newTable(w, "REGION", "BYTES")
	regions.AppendBulk([][]string{
		{"page_size", strconv.FormatInt(d.PageSize, 10)},
		{"shared", strconv.FormatInt(d.SharedSize, 10)},
		{"experts_per_block", strconv.FormatInt(d.ExpertRegionSize, 10)},
		{"total", strconv.FormatInt(d.WeightBytes, 10)},
	})
	regions.Render()
	fmt.Fprintln(w)

	fmt.Fprintf(w, "text tokens: %d, special tokens: %d\n", d.NumTextTokens, d.NumSpecialTokens)
	if len(d.SpecialTokens) == 0 {
		return
	}
	names := make([]string, 0, len(d.SpecialTokens))
	for name := range d.SpecialTokens {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return d.SpecialTokens[names[i]] < d.SpecialTokens[names[j]] })

	specials := newTable(w, "TOKEN", "ID")
	for _, name := range names {
		specials.Append([]string{name, strconv.FormatUint(uint64(d.SpecialTokens[name]), 10)})
	}
	specials.Render()
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}
