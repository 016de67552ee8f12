package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ortholife/clinicsync/cmd/clinicsync-agent/handlers"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
	"github.com/ortholife/clinicsync/internal/timer"
)

// apiClient reads the running agent's local API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(listenAddr string) *apiClient {
	host := listenAddr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return &apiClient{base: "http://" + host, http: &http.Client{Timeout: 3 * time.Second}}
}

func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s (is `clinicsync-agent run` running?): %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) reachable(ctx context.Context) bool {
	var body map[string]string
	return c.get(ctx, "/api/health", &body) == nil
}

func printStatus(ctx context.Context, c *apiClient, out io.Writer) error {
	var s handlers.StatusResponse
	if err := c.get(ctx, "/api/v1/sync/status", &s); err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", s.State)
	fmt.Fprintf(w, "Online:\t%t\n", !s.IsOffline)
	fmt.Fprintf(w, "Pending:\t%d\n", s.PendingCount)
	fmt.Fprintf(w, "Conflicts:\t%d\n", s.ConflictCount)
	if s.LastPassAt != nil {
		fmt.Fprintf(w, "Last pass:\t%s\n", s.LastPassAt.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Last pass:\tnever\n")
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", s.LastError)
	}
	if s.StorageDegraded {
		fmt.Fprintf(w, "Storage:\tDEGRADED (changes held in memory)\n")
	}
	fmt.Fprintf(w, "Passes:\t%d\n", s.Scheduler.Passes)

	var session timer.Session
	if err := c.get(ctx, "/api/v1/timer", &session); err == nil && session.ConsultationID != "" {
		fmt.Fprintf(w, "Timer:\t%s %s (%s)\n", session.ConsultationID, timer.Format(session.ElapsedSeconds), session.State)
	}
	return w.Flush()
}

func printQueue(ctx context.Context, c *apiClient, out io.Writer) error {
	var list handlers.ListResponse
	if err := c.get(ctx, "/api/v1/queue", &list); err != nil {
		return err
	}
	if len(list.Items) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTATE\tSAVED\tATTEMPTS\tLAST ERROR")
	for _, item := range list.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			item.ID,
			item.Kind,
			item.EntityKey,
			item.State,
			item.LocalTimestamp.Local().Format("2006-01-02 15:04:05"),
			item.Attempts,
			item.LastError,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d queued, %d conflicted, %d failed\n", list.Stats.Total, list.Stats.Conflicted, list.Stats.Failed)
	return nil
}

// resolveConflicts rebuilds the open conflicts with one pass and walks them
// through the terminal prompter.
func resolveConflicts(ctx context.Context, c *core, in io.Reader, out io.Writer) error {
	c.monitor.Report(true)

	result, err := c.engine.RunSyncPass(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sync pass: %d committed, %d conflicted, %d failed.\n", result.Committed, result.Conflicted, result.Failed)

	open := c.engine.Conflicts()
	if len(open) == 0 {
		fmt.Fprintln(out, "No open conflicts.")
		return nil
	}
	fmt.Fprintf(out, "%d open conflict(s).\n", len(open))

	resolved, err := c.engine.ResolveInteractive(ctx, conflict.NewPrompter(in, out))
	fmt.Fprintf(out, "Resolved %d of %d.\n", resolved, len(open))
	return err
}
