// Package channels implements one InboundAdapter/OutboundAdapter pair per
// supported transport, on top of the wire-independent model in
// internal/channel.
package channels

import (
	"fmt"
	"os"
	"path/filepath"
)

// replyBody reads whichever of TextPath/HTMLPath the message set, preferring
// HTML when both are present (email/Google Docs drafts are always HTML).
func replyBody(textPath, htmlPath string) (body string, isHTML bool, err error) {
	switch {
	case htmlPath != "":
		data, err := os.ReadFile(htmlPath)
		if err != nil {
			return "", true, fmt.Errorf("read html reply body: %w", err)
		}
		return string(data), true, nil
	case textPath != "":
		data, err := os.ReadFile(textPath)
		if err != nil {
			return "", false, fmt.Errorf("read text reply body: %w", err)
		}
		return string(data), false, nil
	default:
		return "", false, nil
	}
}

// replyAttachments lists files in dir, ignoring a missing directory (most
// replies carry none).
func replyAttachments(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list attachments dir %s: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}
