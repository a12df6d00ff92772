package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints a command result. With --json the pair is folded into a
// tagged envelope and a failure is reported through the envelope alone;
// otherwise errors propagate and human renders the value.
func emit[T any](v T, err error, human func(T)) error {
	if jsonOut {
		res := backend.ResultOf(v, err)
		if perr := printJSON(res); perr != nil {
			return perr
		}
		if !res.OK {
			return errReported
		}
		return nil
	}
	if err != nil {
		return err
	}
	human(v)
	return nil
}

func printBeats(beats []*types.Beat) {
	if len(beats) == 0 {
		fmt.Println(gray("No beats"))
		return
	}
	for _, b := range beats {
		fmt.Printf("%s [P%d] [%s] %s\n", cyan(b.ID), b.Priority, b.State, b.Title)
		if len(b.Labels) > 0 {
			fmt.Printf("  %s\n", gray(strings.Join(b.Labels, ", ")))
		}
	}
}

func printBeat(b *types.Beat) {
	fmt.Printf("%s %s\n", cyan(b.ID), b.Title)
	fmt.Printf("  State:    %s\n", b.State)
	fmt.Printf("  Type:     %s\n", b.Type)
	fmt.Printf("  Priority: P%d\n", b.Priority)
	if b.Parent != "" {
		fmt.Printf("  Parent:   %s\n", b.Parent)
	}
	if len(b.Labels) > 0 {
		fmt.Printf("  Labels:   %s\n", strings.Join(b.Labels, ", "))
	}
	for _, section := range []struct{ name, text string }{
		{"Description", b.Description},
		{"Acceptance", b.Acceptance},
		{"Notes", b.Notes},
	} {
		if section.text != "" {
			fmt.Printf("\n%s:\n%s\n", section.name, section.text)
		}
	}
}
