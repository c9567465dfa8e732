package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/decksync/internal/peer"
	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/internal/session"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// EnvPassword supplies the sync account secret without a prompt.
const EnvPassword = "DECKSYNC_PASSWORD"

func newSyncCmd() *cobra.Command {
	var upload, download bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the collection and media with the server",
		Long: "Exchange changes with the sync server. When both sides changed and\n" +
			"only a full sync is possible you are asked which side to keep;\n" +
			"--full-upload and --full-download answer in advance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			force := types.ChoiceCancel
			switch {
			case upload:
				force = types.ChoiceKeepLocal
			case download:
				force = types.ChoiceKeepRemote
			}
			return runSync(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&upload, "full-upload", false, "replace the server's collection with this one")
	cmd.Flags().BoolVar(&download, "full-download", false, "replace this collection with the server's")
	cmd.MarkFlagsMutuallyExclusive("full-upload", "full-download")
	return cmd
}

func runSync(cmd *cobra.Command, force types.FullSyncChoice) error {
	sc := app.cfg.Sync
	if sc.ServerURL == "" {
		return configError{errors.New("sync.server_url is not set; run decksync init --server URL")}
	}
	if sc.ClientID == "" {
		return configError{errors.New("this device has no client id; run decksync init")}
	}
	tie, err := reconcile.ParseTiePolicy(sc.TieBreak)
	if err != nil {
		return configError{err}
	}
	secret := os.Getenv(EnvPassword)
	if sc.Username != "" && secret == "" {
		if secret, err = askSecret(sc.Username); err != nil {
			return err
		}
	}

	store, err := sqlite.Open(app.cfg.DataDir, sqlite.WithLogger(app.log))
	if err != nil {
		return err
	}
	defer store.Close()
	ms, err := openMedia(app.cfg.DataDir)
	if err != nil {
		return err
	}
	defer ms.Close()

	client := peer.NewClient(&http.Client{Timeout: sc.HTTPTimeout}, sc.ServerURL, sc.ClientID)
	engine := session.NewEngine(store, ms, session.Options{
		User:           sc.Username,
		Secret:         secret,
		ClockTolerance: sc.ClockTolerance,
		TieBreak:       tie,
		MaxPayloadRows: sc.MaxPayloadRows,
		Force:          force,
		Log:            app.log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	res, err := engine.Sync(ctx, client, callbacks(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return res.Err()
}

func callbacks(w io.Writer) session.Callbacks {
	last := session.Idle
	return session.Callbacks{
		OnProgress: func(ev session.Event) {
			if flags.jsonMode || ev.State == last {
				return
			}
			last = ev.State
			fmt.Fprintln(w, dim.Render(ev.State.String()+": "+ev.Message))
		},
		OnConflict: func(c reconcile.Conflict) {
			app.log.WithFields(logrus.Fields{
				"table":  c.Table,
				"id":     c.ID,
				"winner": c.Winner,
			}).Info("both sides changed a row")
		},
		OnFullSyncPrompt: promptDirection,
	}
}

func promptDirection(ctx context.Context, p session.Prompt) (types.FullSyncChoice, error) {
	choice := types.ChoiceCancel
	sel := huh.NewSelect[types.FullSyncChoice]().
		Title("A full sync is required: " + string(p.Reason)).
		Description(fmt.Sprintf("This device changed %s, the server changed %s.",
			humanize.Time(msTime(p.Local.Mod)), humanize.Time(msTime(p.Remote.Mod)))).
		Options(
			huh.NewOption("Upload: keep this device's collection", types.ChoiceKeepLocal),
			huh.NewOption("Download: keep the server's collection", types.ChoiceKeepRemote),
			huh.NewOption("Cancel", types.ChoiceCancel),
		).
		Value(&choice)
	if err := huh.NewForm(huh.NewGroup(sel)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return types.ChoiceCancel, types.ErrCancelled
		}
		return types.ChoiceCancel, err
	}
	if choice == types.ChoiceCancel {
		return choice, types.ErrCancelled
	}
	return choice, nil
}

func askSecret(user string) (string, error) {
	var secret string
	in := huh.NewInput().
		Title("Password for " + user).
		EchoMode(huh.EchoModePassword).
		Value(&secret)
	if err := huh.NewForm(huh.NewGroup(in)).Run(); err != nil {
		return "", types.NewSyncError(types.KindUserCancelled, "no password given", err)
	}
	return secret, nil
}

type syncReport struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message,omitempty"`
	Sent      int    `json:"sent"`
	Received  int    `json:"received"`
	Conflicts int    `json:"conflicts"`
	Pending   int    `json:"pending"`
	Full      string `json:"full,omitempty"`
	MediaUp   int    `json:"media_uploaded"`
	MediaDown int    `json:"media_downloaded"`
	MediaDel  int    `json:"media_deleted"`
}

func printResult(w io.Writer, res session.Result) error {
	st := res.Stats
	r := syncReport{
		Outcome:   res.Outcome.String(),
		Message:   res.Message,
		Sent:      st.Sent,
		Received:  st.Received,
		Conflicts: st.Conflicts,
		Pending:   st.Pending,
		MediaUp:   st.Media.Uploaded,
		MediaDown: st.Media.Downloaded,
		MediaDel:  st.Media.DeletedLocal,
	}
	if st.Full != types.ChoiceCancel {
		r.Full = st.Full.String()
	}
	if res.Reason != nil {
		r.Reason = res.Reason.Error()
		r.Category = res.Reason.Kind.Category()
	}
	if flags.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	switch res.Outcome {
	case session.Failed:
		fmt.Fprintln(w, bad.Render("Sync failed")+" ("+r.Category+")")
	case session.NoChangesNeeded:
		fmt.Fprintln(w, good.Render("Already in sync"))
	default:
		fmt.Fprintln(w, good.Render("Sync complete"))
	}
	if r.Full != "" {
		fmt.Fprintln(w, label.Render("full sync")+r.Full)
	}
	fmt.Fprintln(w, label.Render("rows")+fmt.Sprintf("%d sent, %d received, %d conflicts", r.Sent, r.Received, r.Conflicts))
	if r.Pending > 0 {
		fmt.Fprintln(w, label.Render("pending")+fmt.Sprintf("%d rows changed during the sync", r.Pending))
	}
	fmt.Fprintln(w, label.Render("media")+fmt.Sprintf("%d up, %d down, %d deleted", r.MediaUp, r.MediaDown, r.MediaDel))
	if r.Message != "" {
		fmt.Fprintln(w, label.Render("server")+r.Message)
	}
	return nil
}
