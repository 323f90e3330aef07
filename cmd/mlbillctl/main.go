// Command mlbillctl is a small operator CLI for the HTTP API.
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

	"github.com/example/mlbill/pkg/mlbillapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "register":
		runRegister(os.Args[2:])
	case "deposit":
		runDeposit(os.Args[2:])
	case "balance":
		runBalance(os.Args[2:])
	case "models":
		runModels(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "transactions":
		runTransactions(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mlbillctl <register|deposit|balance|models|submit|status|transactions> [...]")
}

type clientFlags struct {
	url      *string
	username *string
	password *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		url:      fs.String("url", envOr("MLBILL_URL", "http://localhost:8080"), "api gateway URL"),
		username: fs.String("username", os.Getenv("MLBILL_USERNAME"), "account username"),
		password: fs.String("password", os.Getenv("MLBILL_PASSWORD"), "account password"),
	}
}

func runRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	requireCredentials(cf)

	var out mlbillapi.AccountResponse
	call(cf, http.MethodPost, "/v1/auth/register", mlbillapi.RegisterRequest{
		Username: *cf.username,
		Password: *cf.password,
	}, &out, false)
	fmt.Printf("registered %s account_id=%s balance=%s\n", out.Username, out.AccountID, out.Balance)
}

func runDeposit(args []string) {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	cf := addClientFlags(fs)
	amount := fs.String("amount", "", "decimal amount to deposit, e.g. 25.50")
	_ = fs.Parse(args)
	requireCredentials(cf)
	if strings.TrimSpace(*amount) == "" {
		fatalf("--amount is required")
	}

	var out mlbillapi.BalanceResponse
	call(cf, http.MethodPost, "/v1/deposit", mlbillapi.DepositRequest{Amount: *amount}, &out, true)
	fmt.Printf("balance=%s\n", out.Balance)
}

func runBalance(args []string) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	requireCredentials(cf)

	var out mlbillapi.BalanceResponse
	call(cf, http.MethodGet, "/v1/balance", nil, &out, true)
	fmt.Printf("balance=%s\n", out.Balance)
}

func runModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)

	var out mlbillapi.ListModelsResponse
	call(cf, http.MethodGet, "/v1/models", nil, &out, false)
	for _, m := range out.Models {
		fmt.Printf("%s\t%s\tcost=%s\n", m.ModelID, m.Name, m.CostPerRequest)
	}
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	cf := addClientFlags(fs)
	modelID := fs.String("model", "", "model id")
	input := fs.String("input", "", "input payload (JSON object)")
	_ = fs.Parse(args)
	requireCredentials(cf)
	if strings.TrimSpace(*modelID) == "" {
		fatalf("--model is required")
	}

	var out mlbillapi.TaskResponse
	call(cf, http.MethodPost, "/v1/predictions", mlbillapi.SubmitPredictionRequest{
		ModelID: *modelID,
		Input:   *input,
	}, &out, true)
	fmt.Printf("task_id=%s status=%s cost=%s\n", out.TaskID, out.Status, out.Cost)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	taskID := fs.String("task", "", "task id")
	_ = fs.Parse(args)
	requireCredentials(cf)
	if strings.TrimSpace(*taskID) == "" {
		fatalf("--task is required")
	}

	var out mlbillapi.TaskResponse
	call(cf, http.MethodGet, "/v1/tasks/"+*taskID, nil, &out, true)
	fmt.Printf("task_id=%s status=%s\n", out.TaskID, out.Status)
	if out.Result != "" {
		fmt.Printf("result: %s\n", out.Result)
	}
	if out.Error != "" {
		fmt.Printf("error: %s\n", out.Error)
	}
}

func runTransactions(args []string) {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	requireCredentials(cf)

	var out mlbillapi.ListLedgerEntriesResponse
	call(cf, http.MethodGet, "/v1/transactions", nil, &out, true)
	for _, e := range out.Entries {
		line := fmt.Sprintf("%s\t%s\t%s", e.CreatedAt, e.Kind, e.Amount)
		if e.TaskID != "" {
			line += "\ttask=" + e.TaskID
		}
		fmt.Println(line)
	}
}

func requireCredentials(cf clientFlags) {
	if strings.TrimSpace(*cf.username) == "" || *cf.password == "" {
		fatalf("--username and --password are required (or MLBILL_USERNAME/MLBILL_PASSWORD)")
	}
}

func call(cf clientFlags, method, path string, body, out any, authed bool) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fatalf("encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(*cf.url, "/")+path, reader)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.SetBasicAuth(*cf.username, *cf.password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr mlbillapi.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			fatalf("%s %s returned %s: %s", method, path, resp.Status, apiErr.Error)
		}
		fatalf("%s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode response: %v", err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
