// Package config reads the whitespace-separated `key value` configuration
// files used by both daemons. Lines starting with '#' are comments and
// unknown keys are ignored, so config files can be shared across versions.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// parseFile walks a config file and hands every `key value` pair to set.
func parseFile(path string, set func(key, value string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		set(fields[0], strings.Join(fields[1:], " "))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// parseBool treats "yes" as enabled and anything else as disabled.
func parseBool(value string) bool {
	return value == "yes"
}

func parsePort(value string) uint16 {
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func parseInt(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}
