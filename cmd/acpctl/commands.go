package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/agentuity/go-acp/acp"
	"github.com/agentuity/go-acp/session"
	"github.com/agentuity/go-acp/store"
	"github.com/spf13/cobra"
)

func newPromptCmd(flags *rootFlags) *cobra.Command {
	var sessionID string
	var cwd string
	cmd := &cobra.Command{
		Use:   "prompt [text...]",
		Short: "Send a prompt turn, creating or resuming the session as needed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := flags.newLogger()
			st, cleanup, err := flags.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			mgr := session.NewManager(session.ManagerConfig{
				URL:    flags.url,
				Store:  st,
				Logger: log,
			})
			defer mgr.DisposeAll(context.Background())

			conn, err := mgr.Connection(ctx, flags.agent)
			if err != nil {
				return err
			}

			if _, err := st.GetSession(ctx, sessionID); err == store.ErrNotFound {
				if _, err := conn.CreateSession(ctx, sessionID, &acp.NewSessionRequest{Cwd: cwd}); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			unsubscribe := conn.Subscribe(sessionID, func(ev *store.SessionEvent) {
				if ev.Payload != nil && ev.Payload.Method == acp.MethodSessionUpdate {
					fmt.Println(string(ev.Payload.Params))
				}
			})
			defer unsubscribe()

			_, resp, err := conn.Prompt(ctx, sessionID, []acp.ContentBlock{
				acp.TextBlock(strings.Join(args, " ")),
			})
			if err != nil {
				return err
			}
			fmt.Printf("stop reason: %s\n", resp.StopReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "default", "local session id")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for a newly created session")
	return cmd
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Force a session rebuild on a fresh connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := flags.newLogger()
			st, cleanup, err := flags.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := session.Dial(ctx, session.Config{
				Agent:  flags.agent,
				URL:    flags.url,
				Store:  st,
				Logger: log,
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			rec, err := conn.ResumeSession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %s bound to agent session %s on connection %s\n",
				rec.ID, rec.AgentSessionID, rec.LastConnectionID)
			return nil
		},
	}
}

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := flags.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tAGENT SESSION\tCREATED\tDESTROYED")
			err = store.ForEachSession(ctx, st, limit, func(rec *store.SessionRecord) bool {
				destroyed := ""
				if rec.DestroyedAt != nil {
					destroyed = rec.DestroyedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.Agent, rec.AgentSessionID,
					rec.CreatedAt.Format("2006-01-02 15:04:05"), destroyed)
				return true
			})
			if err != nil {
				return err
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 for the store default)")
	return cmd
}

func newEventsCmd(flags *rootFlags) *cobra.Command {
	var limit int
	var raw bool
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "List the persisted event log for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := flags.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			cursor := ""
			for {
				page, err := st.ListEvents(ctx, args[0], store.ListRequest{Cursor: cursor, Limit: limit})
				if err != nil {
					return err
				}
				for _, ev := range page.Events {
					if raw {
						data, err := json.Marshal(ev)
						if err != nil {
							return err
						}
						fmt.Println(string(data))
						continue
					}
					summary := ""
					if ev.Payload != nil {
						switch {
						case ev.Payload.Method != "":
							summary = ev.Payload.Method
						case ev.Payload.Error != nil:
							summary = ev.Payload.Error.Error()
						default:
							summary = "response"
						}
					}
					fmt.Printf("%6d  %-6s  %s  %s\n", ev.EventIndex, ev.Sender,
						ev.CreatedAt.Format("2006-01-02 15:04:05"), summary)
				}
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 for the store default)")
	cmd.Flags().BoolVar(&raw, "json", false, "print events as JSON")
	return cmd
}
