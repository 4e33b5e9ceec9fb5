package store

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// FileStore reads backends from a YAML file and users from a plain text file
// with one "user:key" entry per line.
//
// backends.yaml:
//
//	backends:
//	  - name: gpu-1
//	    url: http://10.0.0.4:11434
//	    models: [llama3, mistral]
//	    timeout_seconds: 300
//
// Blank user lines are skipped; entries without a ':' separator are logged and
// skipped so one broken line does not take down the whole pool.
type FileStore struct {
	backendsPath string
	usersPath    string
	log          *slog.Logger
}

// NewFileStore creates a FileStore. log may be nil.
func NewFileStore(backendsPath, usersPath string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{backendsPath: backendsPath, usersPath: usersPath, log: log}
}

// ListBackends parses the YAML backend list in file order.
func (s *FileStore) ListBackends(_ context.Context) ([]BackendSpec, error) {
	v := viper.New()
	v.SetConfigFile(s.backendsPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.backendsPath, err)
	}

	var specs []BackendSpec
	if err := v.UnmarshalKey("backends", &specs); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", s.backendsPath, err)
	}

	for i := range specs {
		if specs[i].Name == "" {
			specs[i].Name = specs[i].URL
		}
	}

	return specs, nil
}

// ListUsers parses the users file. Each non-blank line is "user:key"; the key
// may itself contain ':' characters.
func (s *FileStore) ListUsers(_ context.Context) (map[string]string, error) {
	f, err := os.Open(s.usersPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", s.usersPath, err)
	}
	defer f.Close()

	users := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		user, key, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			s.log.Warn("user entry broken", slog.String("line", line))
			continue
		}
		users[user] = key
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.usersPath, err)
	}

	return users, nil
}
