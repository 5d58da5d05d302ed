package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// prompter reads interactive answers for the init wizard and destructive
// confirmations. Prompts go to Out, answers come from In.
type prompter struct {
	in  io.Reader
	out io.Writer
	br  *bufio.Reader
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out, br: bufio.NewReader(in)}
}

func stdinPrompter() *prompter {
	return newPrompter(os.Stdin, os.Stderr)
}

func (p *prompter) line() string {
	s, err := p.br.ReadString('\n')
	if err != nil && s == "" {
		return ""
	}
	return strings.TrimSpace(s)
}

// ask prints a question and returns the answer, or def when the user just
// presses Enter.
func (p *prompter) ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	if s := p.line(); s != "" {
		return s
	}
	return def
}

// askSecret reads without echo when stdin is a terminal, falling back to a
// plain read for piped input and tests.
func (p *prompter) askSecret(question string) string {
	fmt.Fprintf(p.out, "%s: ", question)
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// choose asks the user to pick one of options by number; Enter keeps the
// default.
func (p *prompter) choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.out, question)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	for {
		ans := p.ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.out, "Enter a number between 1 and %d.\n", len(options))
	}
}

// confirm asks a yes/no question; Enter answers defaultYes.
func (p *prompter) confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
