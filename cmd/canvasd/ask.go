package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/stream"
	"github.com/spf13/cobra"
)

type askOptions struct {
	url      string
	token    string
	canvasID string
	threadID string
	sse      bool
	verbose  bool
}

func newAskCmd(g *globals) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask QUERY...",
		Short: "Send one instruction to a running server and follow its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = g.v.GetString("token")
			}
			return ask(cmd, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "access token (default $CANVASD_TOKEN)")
	cmd.Flags().StringVarP(&opts.canvasID, "canvas", "c", "", "canvas to instruct")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "thread id for follow-up questions")
	cmd.Flags().BoolVar(&opts.sse, "sse", false, "request server-sent events instead of NDJSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print tool results")
	_ = cmd.MarkFlagRequired("canvas")
	return cmd
}

func ask(cmd *cobra.Command, opts askOptions, query string) error {
	body, err := json.Marshal(map[string]string{"canvas_id": opts.canvasID, "query": query, "thread_id": opts.threadID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(opts.url, "/")+"/v1/agent/execute-stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	format := stream.NDJSON
	if opts.sse {
		format = stream.SSE
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", format.ContentType())
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "calling %s", opts.url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &failure) != nil || failure.Error == "" {
			failure.Error = strings.TrimSpace(string(raw))
		}
		return errors.New("server answered %d: %s", resp.StatusCode, failure.Error)
	}

	out := cmd.OutOrStdout()
	state := stream.NewState()
	dec := stream.NewDecoder(resp.Body, format)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := state.Apply(ev); err != nil {
			return err
		}
		printEvent(out, ev, opts.verbose)
		if ev.Terminal() {
			break
		}
	}

	switch state.Status {
	case stream.StatusCompleted:
		return nil
	case stream.StatusFailed:
		return errors.New("request failed (%d): %s", state.Code, state.Error)
	}
	return errors.New("stream ended before the request finished")
}

func printEvent(w io.Writer, ev stream.Event, verbose bool) {
	switch ev.Event {
	case stream.Started:
		fmt.Fprintln(w, ev.Message)
	case stream.ToolCall:
		fmt.Fprintf(w, "-> %s\n", ev.ToolName)
	case stream.ToolResult:
		switch {
		case ev.Error != "":
			fmt.Fprintf(w, "<- %s failed: %s\n", ev.ToolName, ev.Error)
		case verbose:
			fmt.Fprintf(w, "<- %s: %s\n", ev.ToolName, ev.Result)
		}
	case stream.Response:
		fmt.Fprintln(w, ev.Message)
	}
}
