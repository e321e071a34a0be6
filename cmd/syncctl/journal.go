package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/journal"
)

func openJournalFlag(path, site string) *journal.Journal {
	if path == "" {
		fatal("--path is required")
	}
	if site == "" {
		site = "syncctl"
	}
	j, err := journal.Open(path, site)
	if err != nil {
		fatal("open journal: " + err.Error())
	}
	return j
}

// runRecord appends a test mutation to a local journal, for exercising the
// merge protocol without a real application writing through it.
func runRecord(args []string) {
	var path, site, entity, changeType, table, column, value string
	parseFlags(args, map[string]*string{
		"path":   &path,
		"site":   &site,
		"entity": &entity,
		"type":   &changeType,
		"table":  &table,
		"column": &column,
		"value":  &value,
	})
	if entity == "" || changeType == "" {
		fatal("--entity and --type are required")
	}

	j := openJournalFlag(path, site)
	defer j.Close()

	var colPtr, valPtr *string
	if column != "" {
		colPtr = &column
	}
	if value != "" {
		valPtr = &value
	}

	c, err := j.Record(entity, change.Type(changeType), table, colPtr, valPtr)
	if err != nil {
		fatal("record: " + err.Error())
	}
	fmt.Printf("recorded db_version=%d site=%s entity=%s\n", c.DBVersion, c.SiteID, c.EntityID)
}

func runChanges(args []string) {
	var path, site, since string
	parseFlags(args, map[string]*string{
		"path":  &path,
		"site":  &site,
		"since": &since,
	})
	j := openJournalFlag(path, site)
	defer j.Close()

	var sinceV uint64
	if since != "" {
		v, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			fatal("invalid --since: " + err.Error())
		}
		sinceV = v
	}
	changes, err := j.ChangesSince(sinceV)
	if err != nil {
		fatal("changes since: " + err.Error())
	}
	if len(changes) == 0 {
		fmt.Println("No changes.")
		return
	}
	headers := []string{"VERSION", "SITE", "ENTITY", "TABLE", "TYPE", "TIME"}
	var rows [][]string
	for _, c := range changes {
		rows = append(rows, []string{
			strconv.FormatUint(c.DBVersion, 10),
			c.SiteID,
			c.EntityID,
			c.TableName,
			string(c.ChangeType),
			c.Timestamp.Format("2006-01-02 15:04:05"),
		})
	}
	printTable(headers, rows)
}

func runStatus(args []string) {
	var path, site string
	parseFlags(args, map[string]*string{
		"path": &path,
		"site": &site,
	})
	j := openJournalFlag(path, site)
	defer j.Close()

	v, err := j.CurrentVersion()
	if err != nil {
		fatal("current version: " + err.Error())
	}
	clock := j.CurrentClock()
	fmt.Printf("site:    %s\n", j.SiteID())
	fmt.Printf("version: %d\n", v)
	fmt.Println("clock:")
	headers := []string{"SITE", "COUNTER"}
	var rows [][]string
	for s, counter := range clock.ToMap() {
		rows = append(rows, []string{s, strconv.FormatUint(counter, 10)})
	}
	printTable(headers, rows)

	peers, err := j.Peers()
	if err != nil {
		fatal("peers: " + err.Error())
	}
	if len(peers) == 0 {
		return
	}
	fmt.Println("peers:")
	peerHeaders := []string{"SITE", "WATERMARK", "LAST SYNC"}
	var peerRows [][]string
	for s, ps := range peers {
		lastSync := "never"
		if !ps.LastSyncTime.IsZero() {
			lastSync = ps.LastSyncTime.Format(time.RFC3339)
		}
		peerRows = append(peerRows, []string{s, strconv.FormatUint(ps.Watermark, 10), lastSync})
	}
	printTable(peerHeaders, peerRows)
}

// runWatermark inspects or overrides the local journal's own bookkeeping of
// a peer's watermark, for manual operator fixups.
func runWatermark(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: syncctl watermark <get|set> <peer-site> [version] --path <journal.db> [--site <site-id>]`)
		os.Exit(1)
	}

	var path, site string
	rest := parseFlags(args[1:], map[string]*string{
		"path": &path,
		"site": &site,
	})
	j := openJournalFlag(path, site)
	defer j.Close()

	if len(rest) < 1 {
		fatal("watermark requires a peer site")
	}
	peer := rest[0]

	switch args[0] {
	case "get":
		v, err := j.PeerWatermark(peer)
		if err != nil {
			fatal("peer watermark: " + err.Error())
		}
		fmt.Println(v)
	case "set":
		if len(rest) < 2 {
			fatal("watermark set requires a version number")
		}
		v, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			fatal("invalid version: " + err.Error())
		}
		if err := j.SetPeerWatermark(peer, v); err != nil {
			fatal("set peer watermark: " + err.Error())
		}
	default:
		fatal("unknown watermark action: " + args[0])
	}
}
