// Command evmcomp compiles a textual EmbedVM program into its binary
// image and auxiliary artifacts: a symbol table, a debug dump, an AST
// dump, a C header and an Intel HEX file.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clifford-evm/embedvm/internal/config"
	"github.com/clifford-evm/embedvm/internal/xlog"
	"github.com/clifford-evm/embedvm/pkg/asmtext"
	"github.com/clifford-evm/embedvm/pkg/emit"
	"github.com/clifford-evm/embedvm/pkg/layout"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var outDir string
	var maxIterations int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "evmcomp FILE.evm",
		Short: "Compile an EmbedVM program into a binary image and auxiliary artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if cfg.OutDir != "" {
				outDir = cfg.OutDir
			}
			if cfg.MaxIterations != 0 {
				maxIterations = cfg.MaxIterations
			}

			logger, err := xlog.New(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return compile(logger, args[0], outDir, maxIterations)
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory for compiler artifacts (default: alongside input)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", layout.MaxIterations, "layout fixed-point iteration cap")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "trace layout convergence at debug level")

	return cmd
}

func compile(logger *zap.Logger, inPath, outDir string, maxIterations int) error {
	f, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tree, err := asmtext.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", inPath, err)
	}

	res, err := layout.RunN(tree, maxIterations)
	for _, it := range res.Iterations {
		logger.Debug("layout iteration",
			zap.Int("iteration", it.Iteration),
			zap.Uint16("codegen_len", it.CodegenLen),
			zap.Bool("changed", it.ChangedNode),
		)
	}
	if err != nil {
		return fmt.Errorf("laying out %s: %w", inPath, err)
	}

	img := emit.NewImage()
	if err := img.Prepare(tree); err != nil {
		return fmt.Errorf("preparing image for %s: %w", inPath, err)
	}

	base := outputBase(inPath, outDir)
	writers := []struct {
		ext string
		fn  func(f *os.File) error
	}{
		{"ast", func(f *os.File) error { return emit.WriteAST(f, tree) }},
		{"dbg", func(f *os.File) error { return emit.WriteDebug(f, tree) }},
		{"sym", func(f *os.File) error { return emit.WriteSymbols(f, tree) }},
		{"bin", func(f *os.File) error { return img.WriteBinary(f) }},
		{"hdr", func(f *os.File) error { return emit.WriteHeader(f, img, tree) }},
		{"ihx", func(f *os.File) error { return emit.WriteIntelHex(f, img, tree) }},
	}

	for _, w := range writers {
		path := base + "." + w.ext
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		werr := w.fn(out)
		cerr := out.Close()
		if werr != nil {
			return fmt.Errorf("writing %s: %w", path, werr)
		}
		if cerr != nil {
			return fmt.Errorf("closing %s: %w", path, cerr)
		}
		logger.Info("wrote artifact", zap.String("path", path))
	}

	return nil
}

// outputBase strips the input's extension and, if outDir is set,
// relocates the result into outDir; otherwise artifacts land alongside
// the input file, matching the reference tool's default.
func outputBase(inPath, outDir string) string {
	dir, file := filepath.Split(inPath)
	base := strings.TrimSuffix(file, filepath.Ext(file))
	if outDir != "" {
		return filepath.Join(outDir, base)
	}
	return filepath.Join(dir, base)
}
