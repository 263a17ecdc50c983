package cli

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

type Completer = func(d prompt.Document) []prompt.Suggest

// MainLoop runs interactive prompt on terminal, otherwise executes stdin lines.
// Interactive mode returns on Ctrl-D.
func MainLoop(tag string, exec func(line string), complete Completer) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ExecReader(os.Stdin, exec)
}

// ExecReader calls exec for each non-empty line of r.
func ExecReader(r io.Reader, exec func(line string)) error {
	all, err := io.ReadAll(r)
	if err != nil {
		return errors.Annotate(err, "cli read input")
	}
	for _, lineb := range bytes.Split(all, []byte{'\n'}) {
		line := string(bytes.TrimSpace(lineb))
		if line == "" {
			continue
		}
		exec(line)
	}
	return nil
}

// Suggester builds Completer over fixed command list, matching first word only.
func Suggester(suggests []prompt.Suggest) Completer {
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
