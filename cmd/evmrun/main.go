// Command evmrun loads a compiled EmbedVM binary into a flat 64KiB
// address space and runs it from a chosen entry point to completion,
// mirroring the reference host harness (vmsrc/evmdemo.c) with the
// teacher's own CLI flag conventions.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clifford-evm/embedvm/pkg/vm"
)

var errStopRequested = errors.New("evmrun: program requested stop")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var entry string
	var verbose bool
	var step bool

	cmd := &cobra.Command{
		Use:   "evmrun FILE.bin",
		Short: "Run a compiled EmbedVM binary to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(args[0], entry, verbose, step)
		},
	}

	cmd.Flags().StringVar(&entry, "entry", "main", "entry point: a symbol name or a 0x-prefixed address")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "trace IP/SP/SFP before every step")
	cmd.Flags().BoolVar(&step, "step", false, "pause for Enter between steps")

	return cmd
}

func run(binPath, entry string, verbose, step bool) error {
	img, err := os.ReadFile(binPath)
	if err != nil {
		return err
	}

	addr, err := resolveEntry(binPath, entry)
	if err != nil {
		return err
	}

	mem := vm.NewFlatMemory()
	mem.Load(img)

	caller := &demoUserCaller{}
	m := vm.New(mem, caller)

	if err := m.Interrupt(addr); err != nil {
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	for {
		if m.IP == 0xffff {
			fmt.Println("Main function returned => terminating.")
			if m.SP != 0 || m.SFP != 0 {
				fmt.Printf("Unexpected stack configuration on exit: SP=%04x, SFP=%04x\n", m.SP, m.SFP)
			}
			return nil
		}

		if verbose {
			b0, _ := mem.Read8(m.IP)
			b1, _ := mem.Read8(m.IP + 1)
			b2, _ := mem.Read8(m.IP + 2)
			b3, _ := mem.Read8(m.IP + 3)
			fmt.Fprintf(os.Stderr, "IP: %04x (%02x %02x %02x %02x),  SP: %04x,  SFP: %04x\n",
				m.IP, b0, b1, b2, b3, m.SP, m.SFP)
		}
		if step {
			fmt.Fprint(os.Stderr, "-- press Enter to step --")
			stdin.ReadString('\n')
		}

		if err := m.Step(); err != nil {
			if errors.Is(err, vm.ErrHalted) {
				return nil
			}
			if errors.Is(err, errStopRequested) {
				return nil
			}
			return err
		}
	}
}

// resolveEntry accepts a 0x-prefixed hex address, or a plain symbol name
// looked up in the binary's sibling .sym file.
func resolveEntry(binPath, entry string) (uint16, error) {
	if strings.HasPrefix(entry, "0x") || strings.HasPrefix(entry, "0X") {
		v, err := strconv.ParseUint(entry[2:], 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid entry address %q: %w", entry, err)
		}
		return uint16(v), nil
	}

	symPath := strings.TrimSuffix(binPath, filepath.Ext(binPath)) + ".sym"
	f, err := os.Open(symPath)
	if err != nil {
		return 0, fmt.Errorf("resolving symbol %q: %w", entry, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[1] != entry {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 16, 16)
		if err != nil {
			return 0, fmt.Errorf("malformed symbol table entry %q: %w", scanner.Text(), err)
		}
		return uint16(v), nil
	}
	return 0, fmt.Errorf("symbol %q not found in %s", entry, symPath)
}

// demoUserCaller mirrors evmdemo.c's call_user: function 0 requests a
// stop, every other function prints its arguments and returns the sum of
// its arguments XORed with the function id.
type demoUserCaller struct{}

func (c *demoUserCaller) CallUser(funcID byte, args []int16) (int16, error) {
	if funcID == 0 {
		fmt.Println("Called user function 0 => stop.")
		return 0, errStopRequested
	}

	fmt.Printf("Called user function %d with %d args:", funcID, len(args))
	var sum int16
	for _, a := range args {
		fmt.Printf(" %d", a)
		sum += a
	}
	fmt.Println()

	return sum ^ int16(funcID), nil
}
