package directory

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// CodeLength is the length of an issued join code.
const CodeLength = 6

const maxCodeAttempts = 100

// ErrCodeSpaceExhausted is returned when code generation keeps colliding.
var ErrCodeSpaceExhausted = errors.New("directory: could not allocate a unique join code")

// codeTable maps join codes to lobby ids. Codes are stored uppercase and
// reservation happens by try-insert, so a generated code is taken atomically
// or retried.
type codeTable struct {
	mu    sync.Mutex
	codes map[string]string
}

func newCodeTable() *codeTable {
	return &codeTable{codes: make(map[string]string)}
}

// reserve generates a fresh code bound to lobbyID.
func (t *codeTable) reserve(lobbyID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := t.codes[code]; taken {
			continue
		}
		t.codes[code] = lobbyID
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

func (t *codeTable) lookup(code string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lobbyID, ok := t.codes[strings.ToUpper(code)]
	return lobbyID, ok
}

func (t *codeTable) release(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.codes, strings.ToUpper(code))
}

// generateCode produces 6 uppercase hex characters from 3 random bytes.
func generateCode() (string, error) {
	var b [CodeLength / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}
