package cmd

import (
	"runtime/pprof"

	"os"

	"github.com/bismurphy/mwccgap/pkg/splice"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

func RootCmd() *cobra.Command {
	opts := struct {
		Profile bool
		Debug   bool
	}{
		false,
		false,
	}

	rootCmd := &cobra.Command{
		Use:   "mwccgap",
		Short: "mwccgap fills INCLUDE_ASM gaps in MWCC-compiled PSP objects",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
					AddSource: false,
					Level:     slog.LevelDebug,
				})))
			}

			if opts.Profile {
				file, err := os.Create("cpu.pprof")
				if err != nil {
					return err
				}

				pprof.StartCPUProfile(file)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Profile {
				pprof.StopCPUProfile()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.Profile, "profile", "p", false, "enable profiling")
	rootCmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", false, "enable debugging")

	rootCmd.AddCommand(processCmd())

	return rootCmd
}

func processCmd() *cobra.Command {
	opts := splice.DefaultOptions()
	output := ""

	processCmd := &cobra.Command{
		Use:   "process [flags] file.c",
		Short: "Compile one translation unit and splice its assembly functions in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return splice.ProcessCFile(args[0], output, opts)
		},
	}

	processCmd.Flags().StringVarP(&output, "output", "o", "", "output object file")
	processCmd.MarkFlagRequired("output")
	processCmd.Flags().StringVar(&opts.MwccPath, "mwcc", opts.MwccPath, "path to the MWCC compiler")
	processCmd.Flags().StringArrayVar(&opts.CFlags, "cflag", nil, "extra compiler flag (repeatable)")
	processCmd.Flags().BoolVar(&opts.UseWibo, "use-wibo", opts.UseWibo, "run the compiler through wibo")
	processCmd.Flags().StringVar(&opts.WiboPath, "wibo", opts.WiboPath, "path to the wibo shim")
	processCmd.Flags().StringVar(&opts.AsPath, "as", opts.AsPath, "path to the MIPS assembler")
	processCmd.Flags().StringArrayVar(&opts.AsFlags, "asflag", nil, "extra assembler flag (repeatable)")
	processCmd.Flags().StringVar(&opts.AsmDirPrefix, "asm-dir-prefix", "", "prefix for INCLUDE_ASM directories")

	return processCmd
}
