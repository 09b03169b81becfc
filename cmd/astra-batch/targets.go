package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// readTargets parses a targets file: one URL per line, optionally
// prefixed with a display name (`name,url`). Blank lines and `#`
// comments are skipped.
func readTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.LastIndex(line, ","); idx >= 0 {
			line = strings.TrimSpace(line[idx+1:])
		}
		if line != "" {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("read targets: no URLs in %s", path)
	}
	return urls, nil
}
