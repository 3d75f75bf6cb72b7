package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/propserve/propserve/internal/client"
	"github.com/propserve/propserve/internal/daemon"
	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/checksum"
)

// loadConfig reads --config, or the default location.
func loadConfig() (daemon.Config, error) {
	return daemon.LoadConfig(configPath)
}

// newClient builds an API client from --server or [client] server.
func newClient() (*client.Client, daemon.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	server := serverURL
	if server == "" {
		server = cfg.Client.Server
	}
	return client.New(server, nil), cfg, nil
}

// resolveID accepts either a task id or the path of an input file.
func resolveID(arg string) (domain.TaskID, error) {
	if domain.ValidTaskID(arg) {
		return domain.TaskID(arg), nil
	}
	if _, err := os.Stat(arg); err != nil {
		return "", fmt.Errorf("%q is neither a task id nor a readable file", arg)
	}
	return checksum.DigestFile(arg, 0)
}

// buildOptions turns the option flags into TaskOptions.
func buildOptions(fast bool, similar int, extra []string) (domain.TaskOptions, error) {
	opts := domain.DefaultOptions()
	opts.Fast = fast
	opts.Similar = similar
	for _, kv := range extra {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return opts, fmt.Errorf("--opt %q: want key=value", kv)
		}
		if opts.Extra == nil {
			opts.Extra = make(map[string]string)
		}
		opts.Extra[key] = val
	}
	return opts, opts.Validate()
}
