package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vitaminmoo/glowswitch/internal/store"
)

// ConfirmAction prompts the user to type 'yes' to continue.
// Returns true if confirmed, false otherwise.
func ConfirmAction(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)

	reader := bufio.NewReader(in)
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(confirm)

	return confirm == "yes"
}

// promptChoice asks for a number between 1 and n and returns it zero-based.
func promptChoice(in io.Reader, out io.Writer, n int) (int, error) {
	fmt.Fprintf(out, "Select device [1-%d]: ", n)

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	choice, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || choice < 1 || choice > n {
		return 0, fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return choice - 1, nil
}

// resolve finds an entry by ID or address.
func (a *App) resolve(ref string) (store.Entry, error) {
	st, err := a.Store()
	if err != nil {
		return store.Entry{}, err
	}
	entry, err := st.Resolve(ref)
	if errors.Is(err, store.ErrNotFound) {
		return store.Entry{}, fmt.Errorf("%s is not configured, add it with: glowswitch add %s", ref, ref)
	}
	return entry, err
}

func (a *App) openRef(ref string) (*Device, error) {
	entry, err := a.resolve(ref)
	if err != nil {
		return nil, err
	}
	return a.OpenDevice(entry)
}

func powerLabel(rec store.PowerRecord, ok bool) string {
	if !ok {
		return "unknown"
	}
	if rec.On {
		return "on"
	}
	return "off"
}
