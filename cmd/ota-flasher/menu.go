package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bigbag/ota-flasher/internal/flasher"
	"github.com/bigbag/ota-flasher/internal/protocol"
)

var errMenuExit = errors.New("exit")

// prompter reads operator answers line by line.
type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewScanner(in), out: out}
}

func (p *prompter) ask(question string) (string, error) {
	fmt.Fprint(p.out, question)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", errMenuExit
	}
	return strings.TrimSpace(p.in.Text()), nil
}

func (p *prompter) askYesNo(question string) (bool, error) {
	for {
		answer, err := p.ask(question)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

func (p *prompter) askByte(question string) (byte, error) {
	for {
		answer, err := p.ask(question)
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseUint(answer, 10, 8)
		if err == nil {
			return byte(n), nil
		}
		fmt.Fprintln(p.out, "Please enter a number between 0 and 255.")
	}
}

func (p *prompter) askHex(question string) (uint32, error) {
	for {
		answer, err := p.ask(question)
		if err != nil {
			return 0, err
		}
		n, err := parseHex32(answer)
		if err == nil {
			return n, nil
		}
		fmt.Fprintln(p.out, err)
	}
}

func runMenu(cmd *cobra.Command, args []string) error {
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return menuLoop(cmd.Context(), s.flasher, newPrompter(os.Stdin, os.Stdout))
}

func menuLoop(ctx context.Context, f *flasher.Flasher, p *prompter) error {
	for {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Bootloader menu:")
		fmt.Fprintln(p.out, "  1. Get version")
		fmt.Fprintln(p.out, "  2. Erase flash")
		fmt.Fprintln(p.out, "  3. Flash program")
		fmt.Fprintln(p.out, "  4. Jump to address")
		fmt.Fprintln(p.out, "  5. Exit")

		choice, err := p.ask("Select an option: ")
		if err != nil {
			if errors.Is(err, errMenuExit) {
				return nil
			}
			return err
		}

		switch choice {
		case "1":
			err = doGetVersion(ctx, f)
		case "2":
			err = menuErase(ctx, f, p)
		case "3":
			err = menuProgram(ctx, f, p)
		case "4":
			err = menuJump(ctx, f, p)
		case "5":
			return nil
		default:
			fmt.Fprintln(p.out, "Invalid option, try again.")
			continue
		}

		if errors.Is(err, errMenuExit) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			fmt.Fprintf(p.out, "Error: %v\n", err)
		}
	}
}

func menuErase(ctx context.Context, f *flasher.Flasher, p *prompter) error {
	mass, err := p.askYesNo("Mass erase? (y/n): ")
	if err != nil {
		return err
	}

	spec := protocol.MassErase()
	if !mass {
		start, err := p.askByte("Enter the start sector: ")
		if err != nil {
			return err
		}
		count, err := p.askByte("Enter the number of sectors to erase: ")
		if err != nil {
			return err
		}
		spec = protocol.EraseSpec{StartSector: start, SectorCount: count}
		if err := spec.Validate(); err != nil {
			return err
		}
	}

	return doErase(ctx, f, spec)
}

func menuProgram(ctx context.Context, f *flasher.Flasher, p *prompter) error {
	var (
		path     string
		firmware []byte
	)
	for {
		var err error
		path, err = p.ask("Enter the path to the firmware file: ")
		if err != nil {
			return err
		}
		firmware, err = os.ReadFile(path)
		if err == nil && len(firmware) > 0 {
			break
		}
		fmt.Fprintf(p.out, "Cannot use %q, try again.\n", path)
	}

	var nums [3]byte
	for i, part := range []string{"major", "minor", "patch"} {
		n, err := p.askByte(fmt.Sprintf("Enter the %s version: ", part))
		if err != nil {
			return err
		}
		nums[i] = n
	}

	address, err := p.askHex("Enter the start address (hex): ")
	if err != nil {
		return err
	}

	v := protocol.Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}
	fmt.Fprintf(p.out, "Firmware: %s (%d bytes)\n", path, len(firmware))
	return doProgram(ctx, f, v, address, firmware)
}

func menuJump(ctx context.Context, f *flasher.Flasher, p *prompter) error {
	toApp, err := p.askYesNo("Jump to the main application? (y/n): ")
	if err != nil {
		return err
	}

	if toApp {
		stay, err := p.askYesNo("Stay in the bootloader on next boot? (y/n): ")
		if err != nil {
			return err
		}
		return doJump(ctx, f, protocol.NewJumpToApplication(stay))
	}

	address, err := p.askHex("Enter the jump address (hex): ")
	if err != nil {
		return err
	}
	return doJump(ctx, f, protocol.NewJumpToAddress(address))
}
