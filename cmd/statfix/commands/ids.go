package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ErrInvalidUserID indicates an entry that is not a user id.
var ErrInvalidUserID = errors.New("invalid user ID")

// parseUserIDs parses a comma or whitespace separated list of user ids.
// Duplicates are dropped while keeping the first occurrence order.
func parseUserIDs(list string) ([]int64, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	ids := make([]int64, 0, len(fields))

	for _, field := range fields {
		id, err := parseUserID(field)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return lo.Uniq(ids), nil
}

// readUserIDsFile reads one user id per line. Empty lines and lines starting with # are skipped.
func readUserIDsFile(filename string) ([]int64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var ids []int64

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		id, err := parseUserID(line)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filename, lineNum, err)
		}

		ids = append(ids, id)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lo.Uniq(ids), nil
}

// writeUserIDsFile writes one user id per line so the file can be fed back through --users-file.
func writeUserIDsFile(filename string, ids []int64) error {
	var b strings.Builder
	b.WriteString("# user ids left to re-run\n")

	for _, id := range ids {
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte('\n')
	}

	return os.WriteFile(filename, []byte(b.String()), 0o600)
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUserID, s)
	}

	return id, nil
}
