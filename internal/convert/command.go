package convert

import (
	"slices"
)

// Command describes the external conversion program. The input file is
// always appended as the last positional argument.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Ghostscript returns the ps2pdf invocation of gs: non-interactive, safe
// mode, PDF written to standard output. Empty path means "gs" from $PATH.
func Ghostscript(path string) Command {
	if path == "" {
		path = "gs"
	}
	return Command{
		Path: path,
		Args: []string{
			"-q",
			"-dSAFER",
			"-dNOPAUSE",
			"-dBATCH",
			"-sDEVICE=pdfwrite",
			"-dCompatibilityLevel=1.4",
			"-sOutputFile=-",
		},
	}
}

func (c Command) argv(filename string) []string {
	args := slices.Clone(c.Args)
	return append(args, filename)
}
