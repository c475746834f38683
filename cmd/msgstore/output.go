package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"msgstore/internal/msg"
)

// render writes v as yaml or json, or calls text for the default format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case "", "text":
		return text(w)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want text, yaml or json)", format)
	}
}

var categoryAliases = map[string]msg.Category{
	"to":    msg.ToDepositor,
	"from":  msg.FromDepositor,
	"notes": msg.AnnotatorNotes,
}

// parseCategory accepts a full category name or one of to, from, notes.
func parseCategory(s string) (msg.Category, error) {
	if c, ok := categoryAliases[strings.ToLower(s)]; ok {
		return c, nil
	}
	return msg.ParseCategory(s)
}

// parseFlag accepts Y/N in any case, plus yes/no and true/false. Empty
// stays empty.
func parseFlag(s string) (msg.Flag, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "y", "yes", "true":
		return msg.Yes, nil
	case "n", "no", "false":
		return msg.No, nil
	default:
		return "", fmt.Errorf("invalid flag %q (want Y or N)", s)
	}
}

// parseFileSpec reads a file reference given as
//
//	CONTENT_TYPE:FORMAT[:PARTITION[:VERSION]][=UPLOAD_NAME]
func parseFileSpec(s string) (msg.FileReference, error) {
	spec, upload, _ := strings.Cut(s, "=")
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return msg.FileReference{}, fmt.Errorf("invalid file %q (want TYPE:FORMAT[:PARTITION[:VERSION]][=NAME])", s)
	}
	f := msg.FileReference{ContentType: parts[0], ContentFormat: parts[1], UploadFileName: upload}
	nums := []*int{&f.PartitionNumber, &f.VersionID}
	for i, p := range parts[2:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return msg.FileReference{}, fmt.Errorf("invalid file %q: %q is not a positive number", s, p)
		}
		*nums[i] = n
	}
	return f, nil
}

// parseFields turns key=value pairs into a map.
func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q (want name=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

var stdin = bufio.NewReader(os.Stdin)

// readPassphrase prompts on stderr and reads without echo when stdin is a
// terminal, or reads one line otherwise.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
