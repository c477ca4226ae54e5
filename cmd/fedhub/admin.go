package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// hubURL resolves the target hub for admin commands.
func hubURL() string {
	if u := os.Getenv("FEDHUB_URL"); u != "" {
		return u
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

var adminClient = &http.Client{Timeout: 30 * time.Second}

func runHealthCmd(stdout, stderr io.Writer) int {
	resp, err := adminClient.Get(hubURL() + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: fedhub bundle <build|publish> [flags]")
		return 2
	}

	switch args[0] {
	case "build":
		return runBundleBuild(args[1:], stdout, stderr)
	case "publish":
		return postAndPrint("/bundles/publish", nil, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bundle subcommand: %s\n", args[0])
		return 2
	}
}

func runBundleBuild(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bundle build", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scopes  stringList
		sign    bool
		publish bool
	)
	cmd.Var(&scopes, "scope", "Scope to include (repeatable)")
	cmd.BoolVar(&sign, "sign", true, "Sign the bundle")
	cmd.BoolVar(&publish, "publish", false, "Publish after building")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	body := map[string]any{"scopes": []string(scopes), "sign": sign}
	path := "/bundles/build"
	if publish {
		path = "/bundles/build-and-publish"
	}
	return postAndPrint(path, body, stdout, stderr)
}

func runSpokesCmd(args []string, stdout, stderr io.Writer) int {
	path := "/spokes"
	if len(args) > 0 && args[0] == "pending" {
		path = "/spokes/pending"
	}

	resp, err := adminClient.Get(hubURL() + path)
	if err != nil {
		fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printResponse(resp, stdout, stderr)
}

func postAndPrint(path string, body any, stdout, stderr io.Writer) int {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(stderr, "encode request: %v\n", err)
			return 1
		}
		reader = bytes.NewReader(buf)
	}

	resp, err := adminClient.Post(hubURL()+path, "application/json", reader)
	if err != nil {
		fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printResponse(resp, stdout, stderr)
}

func printResponse(resp *http.Response, stdout, stderr io.Writer) int {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "read response: %v\n", err)
		return 1
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintf(stderr, "%s\n", raw)
		return 1
	}
	fmt.Fprintf(stdout, "%s\n", raw)
	return 0
}

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
