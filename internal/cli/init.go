package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/paths"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
)

func newInitCmd() *cobra.Command {
	var serverURL, username string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the collection and register this device",
		Long: "Create the collection and media folder, and give this device a client id.\n" +
			"Running init again keeps existing data and only fills in what is missing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, serverURL, username)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "sync server URL")
	cmd.Flags().StringVar(&username, "username", "", "account name on the sync server")
	return cmd
}

func runInit(cmd *cobra.Command, serverURL, username string) error {
	err := updateConfigFile(func(doc map[string]any) {
		s := section(doc, "sync")
		if s["client_id"] == nil || s["client_id"] == "" {
			s["client_id"] = uuid.NewString()
		}
		if serverURL != "" {
			s["server_url"] = serverURL
		}
		if username != "" {
			s["username"] = username
		}
	})
	if err != nil {
		return err
	}

	store, err := sqlite.Open(app.cfg.DataDir, sqlite.WithLogger(app.log))
	if err != nil {
		return fmt.Errorf("initialize collection: %w", err)
	}
	defer store.Close()
	ms, err := openMedia(app.cfg.DataDir)
	if err != nil {
		return err
	}
	defer ms.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Collection initialized in %s\n", app.cfg.DataDir)
	return nil
}

func openMedia(dataDir string) (*media.Store, error) {
	ms, err := media.Open(filepath.Join(dataDir, media.FolderName), filepath.Join(dataDir, media.LedgerFile),
		media.WithLogger(app.log))
	if err != nil {
		return nil, fmt.Errorf("open media folder: %w", err)
	}
	return ms, nil
}

// updateConfigFile rewrites config.yaml through edit, keeping keys edit
// does not touch.
func updateConfigFile(edit func(doc map[string]any)) error {
	path := filepath.Join(app.configDir, paths.ConfigFileName)
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	edit(doc)
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// section returns the mapping under key, creating it when absent.
func section(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}
