package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// actionPaths maps command names onto the API action kinds.
var actionPaths = map[string]string{
	"accept":         "accept",
	"finalize":       "finalizeSetup",
	"deposit":        "deposit",
	"refund":         "refund",
	"add-unit":       "addUnit",
	"submit":         "submitUnit",
	"revise":         "requestRevision",
	"approve":        "approveUnit",
	"dispute":        "raiseDispute",
	"resolve":        "resolveDispute",
	"cancel-dispute": "cancelDispute",
	"cancel-unit":    "cancelUnit",
}

type listingDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Collection  string `json:"collection,omitempty"`
}

type createPayload struct {
	PaymentAsset string        `json:"paymentAsset,omitempty"`
	TotalAmount  json.Number   `json:"totalAmount"`
	Units        []unitPayload `json:"units"`
	Listing      *listingDraft `json:"listing,omitempty"`
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		total       string
		asset       string
		units       unitFlags
		title       string
		description string
		collection  string
	)
	fs.StringVar(&total, "total", "", "total escrowed amount (supports 100e18 shorthand)")
	fs.StringVar(&asset, "asset", "", "optional ERC-20 payment token address")
	fs.Var(&units, "unit", "unit spec assignee=0x..,amount=..,deadline=+7d[,revisions=N][,deps=0;1][,desc=...] (repeatable)")
	fs.StringVar(&title, "title", "", "optional listing title")
	fs.StringVar(&description, "description", "", "optional listing description")
	fs.StringVar(&collection, "collection", "", "optional listing collection")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	amount, err := normalizeAmount("--total", total)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(units) == 0 {
		return printError(stderr, "at least one --unit is required")
	}
	payload := createPayload{TotalAmount: json.Number(amount)}
	if strings.TrimSpace(asset) != "" {
		if err := validateAddress("--asset", asset); err != nil {
			return printError(stderr, err.Error())
		}
		payload.PaymentAsset = strings.TrimSpace(asset)
	}
	for _, raw := range units {
		spec, err := parseUnitSpec(raw, ctlNow())
		if err != nil {
			return printError(stderr, err.Error())
		}
		payload.Units = append(payload.Units, spec)
	}
	if strings.TrimSpace(title) != "" {
		payload.Listing = &listingDraft{Title: strings.TrimSpace(title), Description: description, Collection: collection}
	}
	return call(stdout, stderr, http.MethodPost, "/v1/agreements", payload)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	return runAgreementRead("get", "", args, stdout, stderr)
}

func runParticipant(args []string, stdout, stderr io.Writer) int {
	return runAgreementRead("participant", "/participant", args, stdout, stderr)
}

func runProgress(args []string, stdout, stderr io.Writer) int {
	return runAgreementRead("progress", "/progress", args, stdout, stderr)
}

func runAgreementRead(name, suffix string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var agreement string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	return call(stdout, stderr, http.MethodGet, agreementPath(agreement)+suffix, nil)
}

func runRefresh(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("refresh", stderr)
	var agreement string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	return call(stdout, stderr, http.MethodPost, agreementPath(agreement)+"/refresh", nil)
}

func runListing(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("listing", stderr)
	var agreement, title, description, collection string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&title, "title", "", "new title; omit to show the listing")
	fs.StringVar(&description, "description", "", "new description")
	fs.StringVar(&collection, "collection", "", "new collection")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	path := agreementPath(agreement) + "/listing"
	if strings.TrimSpace(title) == "" {
		return call(stdout, stderr, http.MethodGet, path, nil)
	}
	draft := listingDraft{Title: strings.TrimSpace(title), Description: description, Collection: collection}
	return call(stdout, stderr, http.MethodPut, path, draft)
}

func runBareAction(name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var agreement string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, name), struct{}{})
}

func runAddUnit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("add-unit", stderr)
	var agreement, spec string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&spec, "unit", "", "unit spec assignee=0x..,amount=..,deadline=+7d[,revisions=N][,deps=0;1][,desc=...]")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(spec) == "" {
		return printError(stderr, "--unit is required")
	}
	unit, err := parseUnitSpec(spec, ctlNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, "add-unit"), unit)
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("submit", stderr)
	var agreement, unitStr, deliverable, note string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&unitStr, "unit", "", "unit id")
	fs.StringVar(&deliverable, "deliverable", "", "deliverable reference (URL or content hash)")
	fs.StringVar(&note, "note", "", "optional note for the client")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	unitID, err := parseUnitID(unitStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(deliverable) == "" {
		return printError(stderr, "--deliverable is required")
	}
	payload := map[string]any{"unitId": unitID, "deliverable": strings.TrimSpace(deliverable)}
	if note != "" {
		payload["note"] = note
	}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, "submit"), payload)
}

func runRevise(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("revise", stderr)
	var agreement, unitStr, feedback string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&unitStr, "unit", "", "unit id")
	fs.StringVar(&feedback, "feedback", "", "revision feedback")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	unitID, err := parseUnitID(unitStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(feedback) == "" {
		return printError(stderr, "--feedback is required")
	}
	payload := map[string]any{"unitId": unitID, "feedback": feedback}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, "revise"), payload)
}

func runUnitAction(name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var agreement, unitStr string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&unitStr, "unit", "", "unit id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	unitID, err := parseUnitID(unitStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, name), map[string]any{"unitId": unitID})
}

func runDispute(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("dispute", stderr)
	var agreement, unitStr, kind, reason string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&unitStr, "unit", "", "unit id")
	fs.StringVar(&kind, "type", "", "dispute type (QualityIssue, MissedDeadline, ScopeChange, NonPayment, Abandonment)")
	fs.StringVar(&reason, "reason", "", "dispute reason")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	unitID, err := parseUnitID(unitStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(kind) == "" {
		return printError(stderr, "--type is required")
	}
	if strings.TrimSpace(reason) == "" {
		return printError(stderr, "--reason is required")
	}
	payload := map[string]any{"unitId": unitID, "disputeType": strings.TrimSpace(kind), "reason": reason}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, "dispute"), payload)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	var agreement, unitStr, winner string
	fs.StringVar(&agreement, "agreement", "", "agreement address")
	fs.StringVar(&unitStr, "unit", "", "unit id")
	fs.StringVar(&winner, "winner", "", "address of the party the dispute is resolved for")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	unitID, err := parseUnitID(unitStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--winner", winner); err != nil {
		return printError(stderr, err.Error())
	}
	payload := map[string]any{"unitId": unitID, "winner": strings.TrimSpace(winner)}
	return call(stdout, stderr, http.MethodPost, actionPath(agreement, "resolve"), payload)
}

func runPending(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pending", stderr)
	var id string
	fs.StringVar(&id, "id", "", "pending action id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validatePendingID(id); err != nil {
		return printError(stderr, err.Error())
	}
	return call(stdout, stderr, http.MethodGet, "/v1/pending/"+strings.TrimSpace(id), nil)
}

func runAwait(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("await", stderr)
	var id, timeout string
	fs.StringVar(&id, "id", "", "pending action id")
	fs.StringVar(&timeout, "timeout", "", "optional wait bound such as 90s or 5m")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validatePendingID(id); err != nil {
		return printError(stderr, err.Error())
	}
	path := "/v1/pending/" + strings.TrimSpace(id) + "/await"
	if t := strings.TrimSpace(timeout); t != "" {
		if _, err := parseDeadlineDuration(t); err != nil {
			return printError(stderr, "invalid --timeout")
		}
		path += "?timeout=" + url.QueryEscape(t)
	}
	return call(stdout, stderr, http.MethodPost, path, nil)
}

func runRecover(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("recover", stderr)
	var id, agreement string
	fs.StringVar(&id, "id", "", "pending action id")
	fs.StringVar(&agreement, "agreement", "", "address of the created agreement")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validatePendingID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--agreement", agreement); err != nil {
		return printError(stderr, err.Error())
	}
	path := "/v1/pending/" + strings.TrimSpace(id) + "/recover"
	return call(stdout, stderr, http.MethodPost, path, map[string]string{"agreement": strings.TrimSpace(agreement)})
}

func runListings(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("listings", stderr)
	var status, collection, client string
	var limit int
	fs.StringVar(&status, "status", "", "filter by agreement phase")
	fs.StringVar(&collection, "collection", "", "filter by collection")
	fs.StringVar(&client, "client", "", "filter by client address")
	fs.IntVar(&limit, "limit", 0, "maximum number of listings")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(client) != "" {
		if err := validateAddress("--client", client); err != nil {
			return printError(stderr, err.Error())
		}
	}
	if limit < 0 {
		return printError(stderr, "--limit must not be negative")
	}
	q := url.Values{}
	if v := strings.TrimSpace(status); v != "" {
		q.Set("status", v)
	}
	if v := strings.TrimSpace(collection); v != "" {
		q.Set("collection", v)
	}
	if v := strings.TrimSpace(client); v != "" {
		q.Set("client", v)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/agreements"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return call(stdout, stderr, http.MethodGet, path, nil)
}

func agreementPath(agreement string) string {
	return "/v1/agreements/" + strings.TrimSpace(agreement)
}

func actionPath(agreement, command string) string {
	return agreementPath(agreement) + "/actions/" + actionPaths[command]
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("escrowctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of escrowctl %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func call(stdout, stderr io.Writer, method, path string, body any) int {
	result, apiErr, err := ctlAPICall(method, path, body)
	if err != nil {
		fmt.Fprintf(stderr, "Request failed: %v\n", err)
		return 1
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

// handleAPIError reports a failed call. Exit status 2 marks an action that
// was submitted but whose outcome is not yet known.
func handleAPIError(w io.Writer, err *apiError) int {
	fmt.Fprintf(w, "API error %d (%s): %s\n", err.Status, err.Code, err.Message)
	switch err.Disposition {
	case "wait":
		if err.PendingID != "" {
			fmt.Fprintf(w, "Action pending; run: escrowctl await --id %s\n", err.PendingID)
		}
		return 2
	case "recover":
		if err.PendingID != "" {
			fmt.Fprintf(w, "Creation confirmed without an address; run: escrowctl recover --id %s --agreement <address>\n", err.PendingID)
		}
		return 2
	case "retry-after-refresh":
		fmt.Fprintln(w, "View may be stale; run escrowctl refresh and retry")
	}
	return 1
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}
