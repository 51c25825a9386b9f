package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"gihan9a/mapsync/internal/apiclient"
	"gihan9a/mapsync/internal/auth"
	"gihan9a/mapsync/internal/pipeline"
	"gihan9a/mapsync/pkg/syncproto"
)

const CtlVersion = "0.1.0"

const DefaultApiUrl = "http://localhost:3000"

func main() {
	usage := fmt.Sprintf(
		`Mind map sync control.

The token defaults to $MAPSYNC_TOKEN and the jwt secret to $MAPSYNC_JWT_SECRET.
The default api_url is %s

Usage:
    mapsyncctl token <user_id> [--secret=<secret>] [--ttl=<ttl>]
    mapsyncctl claim <map_id> [--api_url=<api_url>] [--token=<token>]
    mapsyncctl grant <map_id> <user_id> <role> [--api_url=<api_url>] [--token=<token>]
    mapsyncctl revoke <map_id> <user_id> [--reason=<reason>] [--api_url=<api_url>] [--token=<token>]
    mapsyncctl presence <map_id> [--api_url=<api_url>] [--token=<token>]
    mapsyncctl history <map_id> [--offset=<offset>] [--limit=<limit>] [--api_url=<api_url>] [--token=<token>]
    mapsyncctl add-node <map_id> <content> [--parent=<parent_id>] [--x=<x>] [--y=<y>] [--api_url=<api_url>] [--token=<token>]
    mapsyncctl revert <map_id> <delta_id> [--api_url=<api_url>] [--token=<token>]
    mapsyncctl watch <map_id> [--api_url=<api_url>] [--token=<token>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>      Server root url.
    --token=<token>          Bearer token of the acting user.
    --secret=<secret>        Secret the server signs tokens with.
    --ttl=<ttl>              Token lifetime with time units: s, m, h [default: 24h].
    --reason=<reason>        Reason sent with the revocation.
    --offset=<offset>        First delta to list [default: 0].
    --limit=<limit>          Number of deltas to list [default: 50].
    --parent=<parent_id>     Create the node as a child of this node.
    --x=<x>                  [default: 0]
    --y=<y>                  [default: 0]`,
		DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands := []struct {
		name string
		run  func(context.Context, docopt.Opts) error
	}{
		{"token", token},
		{"claim", claim},
		{"grant", grant},
		{"revoke", revoke},
		{"presence", presence},
		{"history", listHistory},
		{"add-node", addNode},
		{"revert", revert},
		{"watch", watch},
	}
	for _, command := range commands {
		if selected, _ := opts.Bool(command.name); selected {
			if err := command.run(ctx, opts); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", command.name, err)
				os.Exit(1)
			}
			return
		}
	}
}

func stringOpt(opts docopt.Opts, key, fallback string) string {
	if v, err := opts.String(key); err == nil && v != "" {
		return v
	}
	return fallback
}

func intOpt(opts docopt.Opts, key string) (int, error) {
	return strconv.Atoi(stringOpt(opts, key, "0"))
}

func floatOpt(opts docopt.Opts, key string) (float64, error) {
	return strconv.ParseFloat(stringOpt(opts, key, "0"), 64)
}

func newClient(opts docopt.Opts) (*apiclient.Client, string, error) {
	token := stringOpt(opts, "--token", os.Getenv("MAPSYNC_TOKEN"))
	if token == "" {
		return nil, "", errors.New("no token, pass --token or set MAPSYNC_TOKEN")
	}
	userID, err := auth.Subject(token)
	if err != nil {
		return nil, "", err
	}
	return apiclient.New(stringOpt(opts, "--api_url", DefaultApiUrl), token), userID, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func token(ctx context.Context, opts docopt.Opts) error {
	ttl, err := time.ParseDuration(stringOpt(opts, "--ttl", "24h"))
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(stringOpt(opts, "--secret", os.Getenv("MAPSYNC_JWT_SECRET")), ttl)
	if err != nil {
		return err
	}
	userID, _ := opts.String("<user_id>")
	signed, err := issuer.Mint(userID)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

func claim(ctx context.Context, opts docopt.Opts) error {
	client, userID, err := newClient(opts)
	if err != nil {
		return err
	}
	mapID, _ := opts.String("<map_id>")
	state, err := client.Grant(ctx, mapID, userID, syncproto.RoleOwner)
	if err != nil {
		return err
	}
	return printJSON(state)
}

func grant(ctx context.Context, opts docopt.Opts) error {
	client, _, err := newClient(opts)
	if err != nil {
		return err
	}
	mapID, _ := opts.String("<map_id>")
	userID, _ := opts.String("<user_id>")
	role, _ := opts.String("<role>")
	state, err := client.Grant(ctx, mapID, userID, syncproto.Role(role))
	if err != nil {
		return err
	}
	return printJSON(state)
}

func revoke(ctx context.Context, opts docopt.Opts) error {
	client, _, err := newClient(opts)
	if err != nil {
		return err
	}
	mapID, _ := opts.String("<map_id>")
	userID, _ := opts.String("<user_id>")
	return client.Revoke(ctx, mapID, userID, stringOpt(opts, "--reason", ""))
}

func presence(ctx context.Context, opts docopt.Opts) error {
	client, _, err := newClient(opts)
	if err != nil {
		return err
	}
	mapID, _ := opts.String("<map_id>")
	users, err := client.Presence(ctx, mapID)
	if err != nil {
		return err
	}
	return printJSON(users)
}

func listHistory(ctx context.Context, opts docopt.Opts) error {
	client, _, err := newClient(opts)
	if err != nil {
		return err
	}
	mapID, _ := opts.String("<map_id>")
	offset, err := intOpt(opts, "--offset")
	if err != nil {
		return err
	}
	limit, err := intOpt(opts, "--limit")
	if err != nil {
		return err
	}
	total, err := client.StreamDeltas(ctx, mapID, offset, limit, func(d syncproto.Delta) error {
		fmt.Printf("%s  %s  %-12s %-16s %d nodes, %d edges\n",
			d.ID, d.Timestamp.Format(time.RFC3339), d.ActorID, d.ActionName, len(d.After.Nodes), len(d.After.Edges))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d deltas in total\n", total)
	return nil
}

func addNode(ctx context.Context, opts docopt.Opts) error {
	x, err := floatOpt(opts, "--x")
	if err != nil {
		return err
	}
	y, err := floatOpt(opts, "--y")
	if err != nil {
		return err
	}
	w, err := openWorkspace(ctx, opts, false)
	if err != nil {
		return err
	}
	defer w.Close()

	content, _ := opts.String("<content>")
	node, err := w.session.CreateNode(ctx, pipeline.NodeDraft{
		ParentID: stringOpt(opts, "--parent", ""),
		Content:  content,
		Position: syncproto.Position{X: x, Y: y},
	})
	if err != nil {
		return err
	}
	return printJSON(node)
}

func revert(ctx context.Context, opts docopt.Opts) error {
	w, err := openWorkspace(ctx, opts, false)
	if err != nil {
		return err
	}
	defer w.Close()

	deltaID, _ := opts.String("<delta_id>")
	index, err := w.find(ctx, deltaID)
	if err != nil {
		return err
	}
	if err := w.history.RevertTo(ctx, index); err != nil {
		return err
	}
	fmt.Printf("reverted %s to %s\n", w.session.MapID(), deltaID)
	return nil
}

func watch(ctx context.Context, opts docopt.Opts) error {
	w, err := openWorkspace(ctx, opts, true)
	if err != nil {
		return err
	}
	defer w.Close()

	state := w.perms.State()
	fmt.Printf("watching %s as %s (%s)\n", w.session.MapID(), w.userID, state.Role)
	<-ctx.Done()
	return nil
}
