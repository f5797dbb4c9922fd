package config

import (
	"os"
	"strings"
)

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}
