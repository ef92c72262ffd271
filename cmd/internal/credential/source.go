// Package credential resolves operator secrets for the command line tools.
package credential

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable or by
// prompting on the terminal. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string

	// lookupEnv, stdin and prompt are replaced in tests.
	lookupEnv func(string) (string, bool)
	stdin     int
	prompt    io.Writer
	isTTY     func(int) bool
	read      func(int) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting for the
// secret named by label.
func NewSource(envVar, label string) *Source {
	return &Source{
		envVar:    strings.TrimSpace(envVar),
		label:     strings.TrimSpace(label),
		lookupEnv: os.LookupEnv,
		stdin:     int(os.Stdin.Fd()),
		prompt:    os.Stderr,
		isTTY:     term.IsTerminal,
		read:      term.ReadPassword,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				value = strings.TrimSpace(value)
				if value == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !s.isTTY(s.stdin) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(s.prompt, "Enter %s: ", s.label)
		raw, err := s.read(s.stdin)
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read %s: %w", s.label, err)
			return
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			s.err = errors.New(s.label + " cannot be empty")
			return
		}
		s.value = value
	})
	return s.value, s.err
}
