package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chorasync/chora/internal/journal"
	"github.com/chorasync/chora/internal/merge"
	"github.com/chorasync/chora/internal/syncapi"
)

// runPeer queries a remote replica directly over its sync API, without
// touching a local journal.
func runPeer(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: syncctl peer <subcommand> --url <url> --local-site <site> --remote-site <site> --secret <secret>

Subcommands:
  version           Show the peer's current version
  watermark <site>  Show the watermark the peer holds for <site>
  pull --since <n>  List changes the peer has after version n`)
		os.Exit(1)
	}

	var url, localSite, remoteSite, secret, since, timeoutSecs string
	rest := parseFlags(args[1:], map[string]*string{
		"url":         &url,
		"local-site":  &localSite,
		"remote-site": &remoteSite,
		"secret":      &secret,
		"since":       &since,
		"timeout":     &timeoutSecs,
	})
	if url == "" || localSite == "" || remoteSite == "" || secret == "" {
		fatal("--url, --local-site, --remote-site and --secret are required")
	}

	client := syncapi.NewPeerClient(url, localSite, remoteSite, secret, parseTimeout(timeoutSecs))

	switch args[0] {
	case "version":
		v, err := client.CurrentVersion()
		if err != nil {
			fatal("current version: " + err.Error())
		}
		fmt.Println(v)
	case "watermark":
		if len(rest) < 1 {
			fatal("watermark requires a site argument")
		}
		v, err := client.PeerWatermark(rest[0])
		if err != nil {
			fatal("peer watermark: " + err.Error())
		}
		fmt.Println(v)
	case "pull":
		peerPull(client, since)
	default:
		fatal("unknown peer subcommand: " + args[0])
	}
}

func peerPull(client *syncapi.PeerClient, since string) {
	var sinceV uint64
	if since != "" {
		v, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			fatal("invalid --since: " + err.Error())
		}
		sinceV = v
	}
	changes, err := client.ChangesSince(sinceV)
	if err != nil {
		fatal("changes since: " + err.Error())
	}
	if len(changes) == 0 {
		fmt.Println("No changes.")
		return
	}
	headers := []string{"VERSION", "SITE", "ENTITY", "TABLE", "TYPE"}
	var rows [][]string
	for _, c := range changes {
		rows = append(rows, []string{
			strconv.FormatUint(c.DBVersion, 10),
			c.SiteID,
			c.EntityID,
			c.TableName,
			string(c.ChangeType),
		})
	}
	printTable(headers, rows)
}

// runSync forces a one-shot sync. With --local and --remote it syncs two
// on-disk journals directly via merge.SyncOnce, for local testing without a
// network hop. Otherwise it syncs --journal against a networked peer
// reachable at --url.
func runSync(args []string) {
	var url, localSite, remoteSite, secret, journalPath, timeoutSecs string
	var localPath, remotePath string
	parseFlags(args, map[string]*string{
		"url":         &url,
		"local-site":  &localSite,
		"remote-site": &remoteSite,
		"secret":      &secret,
		"journal":     &journalPath,
		"timeout":     &timeoutSecs,
		"local":       &localPath,
		"remote":      &remotePath,
	})

	if localPath != "" || remotePath != "" {
		if localPath == "" || remotePath == "" {
			fatal("--local and --remote must be given together")
		}
		if localSite == "" {
			localSite = "local"
		}
		if remoteSite == "" {
			remoteSite = "remote"
		}
		report, err := merge.SyncOnce(localPath, localSite, remotePath, remoteSite)
		if err != nil {
			fatal("sync: " + err.Error())
		}
		printSyncReport(report)
		return
	}

	if url == "" || localSite == "" || remoteSite == "" || secret == "" || journalPath == "" {
		fatal("networked sync requires --url, --local-site, --remote-site, --secret and --journal " +
			"(or --local and --remote for two on-disk journals)")
	}

	client := syncapi.NewPeerClient(url, localSite, remoteSite, secret, parseTimeout(timeoutSecs))
	peerSync(journalPath, localSite, client)
}

func peerSync(journalPath, localSite string, client *syncapi.PeerClient) {
	j, err := journal.Open(journalPath, localSite)
	if err != nil {
		fatal("open journal: " + err.Error())
	}
	defer j.Close()

	report, err := merge.New(j).SyncWith(client)
	if err != nil {
		fatal("sync: " + err.Error())
	}
	printSyncReport(report)
}

func printSyncReport(report merge.Report) {
	fmt.Printf("sent: %d, received: %d, conflicts resolved: %d\n",
		report.Sent, report.Received, report.ConflictsResolved)
	if !report.Success() {
		for _, e := range report.Errors {
			fmt.Fprintf(os.Stderr, "  error: %v\n", e)
		}
		os.Exit(1)
	}
}

func parseTimeout(timeoutSecs string) time.Duration {
	timeout := 30 * time.Second
	if timeoutSecs != "" {
		secs, err := strconv.Atoi(timeoutSecs)
		if err != nil {
			fatal("invalid --timeout: " + err.Error())
		}
		timeout = time.Duration(secs) * time.Second
	}
	return timeout
}
