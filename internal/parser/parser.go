// Package parser turns raw tool output into normalized records.
//
// A parser may return records together with a non-nil error: the error then
// describes input lines that were skipped, and the records are still usable.
package parser

import (
	"fmt"
	"io"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

type Parser interface {
	Parse(r io.Reader) ([]model.NormalizedRecord, error)
}

// Func adapts a function to Parser.
type Func func(r io.Reader) ([]model.NormalizedRecord, error)

func (f Func) Parse(r io.Reader) ([]model.NormalizedRecord, error) { return f(r) }

// Lookup resolves a catalog parser name. Names take an optional ":<finding_type>" suffix.
func Lookup(name string) (Parser, error) {
	kind, arg, _ := strings.Cut(name, ":")
	switch kind {
	case "nmap":
		return Func(ParseNmap), nil
	case "whois":
		return Func(ParseWhois), nil
	case "lines":
		if arg == "" {
			return nil, fmt.Errorf("parser %q needs a finding type", name)
		}
		return Lines(arg), nil
	case "jsonl":
		return JSONLines(arg), nil
	}
	return nil, fmt.Errorf("unknown parser %q", name)
}
