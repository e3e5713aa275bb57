package main

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/prune"
	"prune_lib/tensor"
	"prune_lib/utils"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary MODEL",
		Short: "Print the layers, shapes and parameter counts of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), m.Summary())
			return nil
		},
	}
}

func (c *cli) channelsCmd() *cobra.Command {
	var lowest int
	cmd := &cobra.Command{
		Use:   "channels MODEL LAYER",
		Short: "Rank the output channels of a layer by kernel L1 norm",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			l, err := m.Layer(args[1])
			if err != nil {
				return err
			}
			mags, err := prune.ChannelMagnitudes(l)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, v := range mags {
				fmt.Fprintf(out, "%d\t%.6g\n", i, v)
			}
			if lowest > 0 {
				idx, err := prune.LowestMagnitudeChannels(l, lowest)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "lowest %d: %v\n", lowest, idx)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lowest, "lowest", 0, "also print the k lowest-magnitude channels")
	return cmd
}

func (c *cli) deleteChannelsCmd() *cobra.Command {
	var (
		output string
		role   string
		lowest int
	)
	cmd := &cobra.Command{
		Use:   "delete-channels MODEL LAYER [CHANNEL...]",
		Short: "Delete channels of a layer and propagate the change",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r layers.Role
			if err := r.UnmarshalText([]byte(role)); err != nil {
				return err
			}
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			channels, err := parseChannels(args[2:])
			if err != nil {
				return err
			}
			if lowest > 0 {
				if len(channels) > 0 || r != layers.RoleOutput {
					return fmt.Errorf("--lowest selects output channels and takes no CHANNEL arguments")
				}
				l, err := m.Layer(args[1])
				if err != nil {
					return err
				}
				if channels, err = prune.LowestMagnitudeChannels(l, lowest); err != nil {
					return err
				}
			}
			if len(channels) == 0 {
				return fmt.Errorf("no channels given")
			}
			req := prune.ChannelRequest{Layer: args[1], Role: r, Channels: channels}
			out, err := prune.Delete(cmd.Context(), m, []prune.ChannelRequest{req}, prune.WithLogger(c.logger))
			if err != nil {
				return err
			}
			return c.save(cmd, m, out, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path of the pruned model")
	cmd.Flags().StringVar(&role, "role", "output", "side of the layer the channels belong to (output, input)")
	cmd.Flags().IntVar(&lowest, "lowest", 0, "delete the k lowest-magnitude output channels")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (c *cli) deleteLayerCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "delete-layer MODEL LAYER",
		Short: "Remove every occurrence of a layer, connecting its consumers to its input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			out, err := prune.DeleteLayer(cmd.Context(), m, args[1], prune.WithLogger(c.logger))
			if err != nil {
				return err
			}
			return c.save(cmd, m, out, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path of the resulting model")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (c *cli) replaceLayerCmd() *cobra.Command {
	var output, spec string
	cmd := &cobra.Command{
		Use:   "replace-layer MODEL LAYER --with SPEC",
		Short: "Swap a layer for one described by a YAML layer spec",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			l, err := utils.LoadLayerSpec(spec)
			if err != nil {
				return err
			}
			out, err := prune.ReplaceLayer(cmd.Context(), m, args[1], l, prune.WithLogger(c.logger))
			if err != nil {
				return err
			}
			return c.save(cmd, m, out, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path of the resulting model")
	cmd.Flags().StringVar(&spec, "with", "", "YAML layer spec of the replacement")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("with")
	return cmd
}

func (c *cli) rebuildCmd() *cobra.Command {
	var (
		output     string
		sequential bool
		clean      bool
	)
	cmd := &cobra.Command{
		Use:   "rebuild MODEL",
		Short: "Rebuild a model, dropping layers that reach no output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sequential && clean {
				return fmt.Errorf("--sequential and --clean are exclusive")
			}
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			var out *nn.Model
			switch {
			case sequential:
				out, err = prune.RebuildSequential(cmd.Context(), m)
			case clean:
				out, err = prune.CleanCopy(cmd.Context(), m)
			default:
				out, err = prune.Rebuild(cmd.Context(), m)
			}
			if err != nil {
				return err
			}
			return c.save(cmd, m, out, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path of the rebuilt model")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "require a single chain of layers")
	cmd.Flags().BoolVar(&clean, "clean", false, "rebuild on copies of the layers")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (c *cli) applyCmd() *cobra.Command {
	var output string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "apply MODEL PLAN",
		Short: "Run the steps of a YAML surgery plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := utils.LoadModel(args[0])
			if err != nil {
				return err
			}
			plan, err := utils.LoadPlan(args[1])
			if err != nil {
				return err
			}
			out, stats, err := plan.Apply(cmd.Context(), m, c.logger)
			if err != nil {
				return err
			}
			utils.Verbose = !quiet
			utils.PrintSurgeryStats(stats)
			return c.save(cmd, m, out, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path of the resulting model")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print step statistics")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	var (
		batch int
		seed  int64
		tol   float64
	)
	cmd := &cobra.Command{
		Use:   "verify MODEL OTHER",
		Short: "Run both models on the same random batch and compare their outputs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch <= 0 {
				return fmt.Errorf("--batch must be positive")
			}
			var models [2]*nn.Model
			var eg errgroup.Group
			for i, path := range args {
				i, path := i, path
				eg.Go(func() error {
					m, err := utils.LoadModel(path)
					models[i] = m
					return err
				})
			}
			if err := eg.Wait(); err != nil {
				return err
			}

			inputs := randomInputs(models[0], batch, seed)
			var outs [2][]*tensor.Tensor
			run, ctx := errgroup.WithContext(cmd.Context())
			for i, m := range models {
				i, m := i, m
				run.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					o, err := m.Predict(inputs...)
					if err != nil {
						return fmt.Errorf("%s: %w", args[i], err)
					}
					outs[i] = o
					return nil
				})
			}
			if err := run.Wait(); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "params: %d -> %d\n", models[0].ParamCount(), models[1].ParamCount())
			if len(outs[0]) != len(outs[1]) {
				return fmt.Errorf("models have %d and %d outputs", len(outs[0]), len(outs[1]))
			}
			worst := 0.0
			for i := range outs[0] {
				a, b := outs[0][i], outs[1][i]
				if !tensor.SameShape(a.Shape, b.Shape) {
					return fmt.Errorf("output %d: shapes %v and %v differ", i, a.Shape, b.Shape)
				}
				d := floats.Distance(a.Data, b.Data, math.Inf(1))
				fmt.Fprintf(w, "output %d: max |diff| = %g\n", i, d)
				worst = math.Max(worst, d)
			}
			if worst > tol {
				return fmt.Errorf("outputs differ by %g, tolerance %g", worst, tol)
			}
			c.logger.Info("models agree", "batch", batch, "max_diff", worst)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 8, "number of random samples")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for the batch")
	cmd.Flags().Float64Var(&tol, "tol", 1e-9, "largest accepted absolute difference")
	return cmd
}

// save writes out to path and logs the size change from src.
func (c *cli) save(cmd *cobra.Command, src, out *nn.Model, path string) error {
	if err := utils.SaveModel(path, out); err != nil {
		return err
	}
	c.logger.Info("model written", "path", path, "params_before", src.ParamCount(), "params_after", out.ParamCount())
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d params)\n", path, out.ParamCount())
	return nil
}

func parseChannels(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q: %w", a, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// randomInputs draws a uniform [-1, 1) batch for every input of m.
func randomInputs(m *nn.Model, batch int, seed int64) []*tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	g := m.Graph()
	var out []*tensor.Tensor
	for _, p := range g.Inputs() {
		shape := append([]int{batch}, g.Position(p).Shape...)
		t := tensor.New(shape...)
		for i := range t.Data {
			t.Data[i] = rng.Float64()*2 - 1
		}
		out = append(out, t)
	}
	return out
}
