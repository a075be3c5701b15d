package keys

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompt returns a Provider that asks for a passphrase on the terminal
// without echo and stretches it like Passphrase. When in is not a terminal
// the passphrase is read as the first line of in, which keeps the provider
// usable from scripts and tests.
//
// The passphrase is requested once; later calls return the same key. Key is
// safe for concurrent use.
func Prompt(in *os.File, out io.Writer, salt []byte, iterations int) Provider {
	var mu sync.Mutex
	var cached []byte
	return ProviderFunc(func() ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != nil {
			return append([]byte(nil), cached...), nil
		}
		passphrase, err := readPassphrase(in, out)
		if err != nil {
			return nil, err
		}
		key, err := stretch(passphrase, salt, iterations)
		if err != nil {
			return nil, err
		}
		cached = key
		return append([]byte(nil), key...), nil
	})
}

func readPassphrase(in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(out, "Transfer passphrase: ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(secret), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
