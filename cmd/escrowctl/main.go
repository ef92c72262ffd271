// Command escrowctl drives the escrowd HTTP API from the command line.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"escrowcoord/cmd/internal/credential"
)

const defaultEndpoint = "http://127.0.0.1:8090"

type apiError struct {
	Status      int    `json:"-"`
	Code        string `json:"code"`
	Message     string `json:"error"`
	Disposition string `json:"disposition,omitempty"`
	PendingID   string `json:"pendingId,omitempty"`
}

var (
	ctlNow      = time.Now
	ctlAPICall  = callAPI
	apiEndpoint = endpointFromEnv()
	tokenSource = credential.NewSource("ESCROWCTL_TOKEN", "escrowd API token")
	httpClient  = &http.Client{Timeout: 2 * time.Minute}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	endpoint := global.String("url", apiEndpoint, "escrowd base URL")
	if err := global.Parse(args); err != nil {
		return 1
	}
	apiEndpoint = strings.TrimRight(strings.TrimSpace(*endpoint), "/")
	args = global.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "participant":
		return runParticipant(args[1:], stdout, stderr)
	case "progress":
		return runProgress(args[1:], stdout, stderr)
	case "refresh":
		return runRefresh(args[1:], stdout, stderr)
	case "accept", "finalize", "deposit", "refund":
		return runBareAction(args[0], args[1:], stdout, stderr)
	case "add-unit":
		return runAddUnit(args[1:], stdout, stderr)
	case "submit":
		return runSubmit(args[1:], stdout, stderr)
	case "revise":
		return runRevise(args[1:], stdout, stderr)
	case "approve", "cancel-dispute", "cancel-unit":
		return runUnitAction(args[0], args[1:], stdout, stderr)
	case "dispute":
		return runDispute(args[1:], stdout, stderr)
	case "resolve":
		return runResolve(args[1:], stdout, stderr)
	case "pending":
		return runPending(args[1:], stdout, stderr)
	case "await":
		return runAwait(args[1:], stdout, stderr)
	case "recover":
		return runRecover(args[1:], stdout, stderr)
	case "listings":
		return runListings(args[1:], stdout, stderr)
	case "listing":
		return runListing(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl [--url URL] <command> [flags]

Agreement commands:
  create          Create an agreement from --unit specs
  get             Show the mirrored agreement view
  participant     Show the caller's role and units
  progress        Show completion percentage and paid amount
  refresh         Force a refresh of the mirrored view
  listing         Show or edit the discovery listing

Workflow commands:
  accept          Accept the agreement as counterparty
  add-unit        Add a unit before setup is finalized
  finalize        Finalize setup
  deposit         Deposit the escrowed total
  submit          Submit work for a unit
  revise          Request a revision for a unit
  approve         Approve a unit and release payment
  dispute         Raise a dispute on a unit
  resolve         Resolve a dispute (arbiter only)
  cancel-dispute  Withdraw a dispute
  cancel-unit     Cancel a pending unit
  refund          Refund the client before work starts

Pending actions:
  pending         Show a pending action
  await           Wait for a pending action to confirm
  recover         Supply the agreement address for an unrecoverable creation
  listings        Browse discovery listings

The API token is read from ESCROWCTL_TOKEN or prompted for on a terminal.
The base URL defaults to ESCROWCTL_URL or ` + defaultEndpoint + `.`)
}

func endpointFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("ESCROWCTL_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultEndpoint
}

// callAPI performs one authenticated request. Non-2xx responses and 202
// confirmation-pending replies are decoded into an apiError.
func callAPI(method, path string, body any) (json.RawMessage, *apiError, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, apiEndpoint+path, reader)
	if err != nil {
		return nil, nil, err
	}
	token, err := tokenSource.Get()
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 300 || resp.StatusCode == http.StatusAccepted {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Code = "http_error"
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = resp.Status
			}
		}
		return nil, apiErr, nil
	}
	return json.RawMessage(raw), nil, nil
}
