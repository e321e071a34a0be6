package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func runHealth(args []string) {
	var addr string
	parseFlags(args, map[string]*string{"addr": &addr})
	if addr == "" {
		fatal("--addr is required, e.g. --addr http://localhost:7946")
	}
	addr = strings.TrimRight(addr, "/")

	client := &http.Client{Timeout: 5 * time.Second}

	healthResp, err := fetchJSON(client, addr+"/health")
	if err != nil {
		fatal("health check failed: " + err.Error())
	}
	fmt.Println("health:", healthResp)

	readyResp, err := client.Get(addr + "/ready")
	if err != nil {
		fatal("ready check failed: " + err.Error())
	}
	defer readyResp.Body.Close()
	body, _ := io.ReadAll(readyResp.Body)

	if readyResp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "ready: HTTP %d: %s\n", readyResp.StatusCode, string(body))
		os.Exit(1)
	}
	fmt.Println("ready:", string(body))
}

func fetchJSON(client *http.Client, url string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
