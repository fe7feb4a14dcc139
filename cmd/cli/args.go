package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ------- validators -------

// parseAmount accepts a positive whole number of sats, optionally with "_" separators.
func parseAmount(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(s), "_", ""), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("amount must be a positive integer, got %q", s)
	}
	return n, nil
}

// parsePubkey accepts a 32-byte hex wallet identity.
func parsePubkey(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if b, err := hex.DecodeString(s); err != nil || len(b) != 32 {
		return "", fmt.Errorf("recipient must be a 64 hex char public key")
	}
	return s, nil
}

// readTokenArg returns arg, or the first non-empty line of stdin for "-".
func readTokenArg(arg string, stdin io.Reader) (string, error) {
	if arg != "-" {
		if tok := strings.TrimSpace(arg); tok != "" {
			return tok, nil
		}
		return "", errors.New("empty token")
	}
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if tok := strings.TrimSpace(sc.Text()); tok != "" {
			return tok, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no token on stdin")
}
