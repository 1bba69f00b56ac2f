package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tinygo-org/suota/updater"
)

// terminalConfirmer asks the question on the controlling terminal. When
// stdin is not a terminal it declines without asking.
type terminalConfirmer struct {
	in  *os.File
	out io.Writer
}

func (c terminalConfirmer) Confirm(ctx context.Context, prompt updater.Prompt) (bool, error) {
	if !term.IsTerminal(int(c.in.Fd())) {
		log.Info("stdin is not a terminal, not rebooting")
		return false, nil
	}
	return ask(ctx, c.in, c.out, prompt)
}

// ask prints prompt and reads a yes/no answer from in. Anything but an
// explicit yes declines.
func ask(ctx context.Context, in io.Reader, out io.Writer, prompt updater.Prompt) (bool, error) {
	fmt.Fprintf(out, "%s\n%s [%s: y / %s: N] ", prompt.Title, prompt.Message, prompt.OKButtonText, prompt.CancelButtonText)

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	// On cancellation the reader stays blocked on in until the process exits.
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return false, ctx.Err()
	case err := <-errc:
		fmt.Fprintln(out)
		if err == io.EOF {
			return false, nil
		}
		return false, err
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
