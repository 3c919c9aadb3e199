package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mlschat/internal/domain"
	"mlschat/internal/sessionrouter"
)

// errQuit unwinds the listen loop when the user types "quit".
var errQuit = errors.New("quit")

// refreshInterval is how often the CLI event loop fires the periodic
// key-package refresh arm of the select loop.
const refreshInterval = 5 * time.Minute

// listenCmd runs the interactive event loop: a single-threaded cooperative
// select over three sources — stdin commands, inbound envelopes, and a
// refresh timer. The stdin arm gets an auxiliary goroutine, because there
// is no non-blocking way to read a line from os.Stdin; the envelope arm
// runs one RouterService.NextEnvelope call at a time in a goroutine that
// hands its result to the select, and the next call starts only after the
// loop body has processed that envelope.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run the interactive event loop (stdin commands + live envelopes)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := initializedRouter(ctx); err != nil {
				return err
			}

			router, ok := appCtx.RouterService.(*sessionrouter.Router)
			if ok {
				router.OnJoined = func(ev sessionrouter.JoinedEvent) {
					fmt.Printf("*** joined group %q (%s)\n", ev.GroupName, ev.GroupID.String())
				}
				router.OnMessage = func(ev sessionrouter.MessageEvent) {
					fmt.Printf("[%s] %s: %s\n", ev.GroupID.String(), ev.Sender.String(), ev.Text)
				}
			}

			lines := make(chan string)
			scanErr := make(chan error, 1)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				scanErr <- scanner.Err()
				close(lines)
			}()

			// One envelope fetch is kept in flight at a time: a fresh call is
			// only issued once the select loop consumes the previous result,
			// so the loop body is always the first and only reader of any
			// given envelope.
			type envResult struct {
				env domain.Envelope
				err error
			}
			envelopes := make(chan envResult, 1)
			fetchEnvelope := func() {
				env, err := appCtx.RouterService.NextEnvelope(ctx)
				envelopes <- envResult{env: env, err: err}
			}
			go fetchEnvelope()

			ticker := time.NewTicker(refreshInterval)
			defer ticker.Stop()

			fmt.Println("listening; type: send <group> <text> | invite <group> <peer> | members <group> | quit")

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()

				case err := <-scanErr:
					return err

				case line, open := <-lines:
					if !open {
						return nil
					}
					if err := dispatchLine(ctx, line); err != nil {
						if errors.Is(err, errQuit) {
							return nil
						}
						fmt.Fprintf(os.Stderr, "error: %v\n", err)
					}

				case res := <-envelopes:
					if res.err != nil {
						fmt.Fprintf(os.Stderr, "transport error: %v\n", res.err)
					} else if err := appCtx.RouterService.ProcessEnvelope(ctx, res.env); err != nil {
						fmt.Fprintf(os.Stderr, "error processing envelope: %v\n", err)
					}
					go fetchEnvelope()

				case <-ticker.C:
					if err := appCtx.RouterService.RefreshKeyPackages(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "refresh error: %v\n", err)
					}
				}
			}
		},
	}
}

// dispatchLine parses and executes one line of interactive input. Unlike
// the top-level cobra subcommands, quoting/flags are not supported: it is
// just whitespace-separated words.
func dispatchLine(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "quit", "exit":
		return errQuit

	case "send":
		if len(fields) < 3 {
			return fmt.Errorf("usage: send <group> <text>")
		}
		groupID, err := parseGroupID(fields[1])
		if err != nil {
			return err
		}
		text := strings.Join(fields[2:], " ")
		if err := appCtx.RouterService.SendMessageTo(ctx, groupID, text); err != nil {
			return fmt.Errorf("sending to group %s: %w", groupID.String(), err)
		}
		return nil

	case "invite":
		if len(fields) != 3 {
			return fmt.Errorf("usage: invite <group> <peer>")
		}
		groupID, err := parseGroupID(fields[1])
		if err != nil {
			return err
		}
		if err := appCtx.RouterService.InviteTo(ctx, groupID, domain.Username(fields[2])); err != nil {
			return fmt.Errorf("inviting %q into group %s: %w", fields[2], groupID.String(), err)
		}
		fmt.Printf("%s invited into group %s\n", fields[2], groupID.String())
		return nil

	case "members":
		if len(fields) != 2 {
			return fmt.Errorf("usage: members <group>")
		}
		groupID, err := parseGroupID(fields[1])
		if err != nil {
			return err
		}
		members, err := appCtx.RouterService.ListMembersOf(groupID)
		if err != nil {
			return fmt.Errorf("listing members of group %s: %w", groupID.String(), err)
		}
		for _, m := range members {
			fmt.Println(m.String())
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
