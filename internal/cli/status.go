package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/decksync/internal/session"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the next sync would send",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := collectStatus(cmd)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
}

type status struct {
	Collection string `json:"collection"`
	Server     string `json:"server,omitempty"`
	Size       uint64 `json:"size_bytes"`
	Empty      bool   `json:"empty"`
	Mod        int64  `json:"mod"`
	LastSync   int64  `json:"last_sync"`
	Pending    int    `json:"pending_rows"`
	Media      int    `json:"media_files"`
	MediaDirty int    `json:"media_pending"`
}

func collectStatus(cmd *cobra.Command) (status, error) {
	ctx := cmd.Context()
	st := status{Collection: app.cfg.DataDir, Server: app.cfg.Sync.ServerURL}

	store, err := sqlite.Open(app.cfg.DataDir, sqlite.WithLogger(app.log))
	if err != nil {
		return st, err
	}
	defer store.Close()
	meta, err := store.Meta(ctx, session.DefaultPeerID)
	if err != nil {
		return st, err
	}
	st.Empty, st.Mod, st.LastSync = meta.Empty, meta.Mod, meta.LastSync
	sums, _, err := store.Summaries(ctx, session.DefaultPeerID)
	if err != nil {
		return st, err
	}
	for _, s := range sums {
		st.Pending += len(s)
	}
	if fi, err := os.Stat(store.Path()); err == nil {
		st.Size = uint64(fi.Size())
	}

	ms, err := openMedia(app.cfg.DataDir)
	if err != nil {
		return st, err
	}
	defer ms.Close()
	if _, err := ms.Scan(ctx); err != nil {
		app.log.WithError(err).Warn("media scan failed")
	}
	if st.Media, err = ms.Count(ctx); err != nil {
		return st, err
	}
	if st.MediaDirty, err = ms.DirtyCount(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func printStatus(w io.Writer, st status) error {
	if flags.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	last := "never"
	if st.LastSync > 0 {
		last = humanize.Time(msTime(st.LastSync))
	}
	server := st.Server
	if server == "" {
		server = "not configured"
	}
	fmt.Fprintln(w, label.Render("collection")+st.Collection+" ("+humanize.Bytes(st.Size)+")")
	fmt.Fprintln(w, label.Render("server")+server)
	fmt.Fprintln(w, label.Render("last sync")+last)
	fmt.Fprintln(w, label.Render("changed")+humanize.Time(msTime(st.Mod)))
	fmt.Fprintln(w, label.Render("pending")+humanize.Comma(int64(st.Pending))+" rows")
	fmt.Fprintln(w, label.Render("media")+fmt.Sprintf("%s files, %s to upload",
		humanize.Comma(int64(st.Media)), humanize.Comma(int64(st.MediaDirty))))
	return nil
}
