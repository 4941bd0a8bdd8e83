package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/org/phivault/internal/auth"
	"github.com/org/phivault/internal/crypto"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "phictl",
	Short:         "phivault CLI",
	Long:          "A CLI for storing de-identified PHI records and reading the access log.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if !cmd.Flags().Changed("format") && cfg.Format != "" {
			outputFormat = cfg.Format
		}
		if exp, ok := sessionExpiry(cfg.Session); ok && time.Now().After(exp) && os.Getenv("PHIVAULT_SESSION") == "" {
			fmt.Fprintf(os.Stderr, "Warning: saved session expired at %s; run 'phictl session mint --save'\n", exp.UTC().Format(time.RFC3339))
		}
		// Env var overrides are applied in newClient()
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(accessLogCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())
}

// --- records ---

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "records", Short: "Create, read and delete secure records"}

	createCmd := &cobra.Command{
		Use:   "create <category> <payload.json|->",
		Short: "Store a payload and print its token and de-identified view",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readJSONArg(args[1])
			if err != nil {
				return err
			}
			body := map[string]any{"category": args[0], "payload": payload}
			if cmd.Flags().Changed("ttl") {
				ttl, _ := cmd.Flags().GetInt64("ttl")
				body["ttlSeconds"] = ttl
			}
			if m, _ := cmd.Flags().GetString("metadata"); m != "" {
				if !json.Valid([]byte(m)) {
					return errors.New("--metadata must be valid JSON")
				}
				body["metadata"] = json.RawMessage(m)
			}
			result, err := newClient().post("/secure-records", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().Int64("ttl", 0, "Lifetime in seconds (clamped to 60..86400, default 900)")
	createCmd.Flags().String("metadata", "", "Non-PHI metadata as a JSON object")

	getCmd := &cobra.Command{
		Use:   "get <token>",
		Short: "Print the de-identified view of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/secure-records/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <token>",
		Short: "Destroy a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().delete("/secure-records/" + url.PathEscape(args[0])); err != nil {
				return err
			}
			printSuccess("Success! Record deleted.")
			return nil
		},
	}

	cmd.AddCommand(createCmd, getCmd, deleteCmd)
	return cmd
}

// readJSONArg reads a JSON document from a file, or stdin for "-".
func readJSONArg(name string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

// --- access log ---

func accessLogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access-log", Short: "Record and list PHI access events"}

	recordCmd := &cobra.Command{
		Use:   "record <resource-id> <user-id> <action>",
		Short: "Append an access event",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"resourceId": args[0],
				"userId":     args[1],
				"action":     args[2],
			}
			for _, name := range []string{"justification", "token", "category"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					body[name] = v
				}
			}
			if d, _ := cmd.Flags().GetString("details"); d != "" {
				if !json.Valid([]byte(d)) {
					return errors.New("--details must be valid JSON")
				}
				body["details"] = json.RawMessage(d)
			}
			result, err := newClient().post("/compliance/access-log", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	recordCmd.Flags().String("justification", "", "Why the data was accessed")
	recordCmd.Flags().String("token", "", "Record token the access concerned (stored hashed)")
	recordCmd.Flags().String("category", "", "Record category")
	recordCmd.Flags().String("details", "", "Extra context as JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List access events, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := fetchQuery(cmd)
			if err != nil {
				return err
			}
			summary, _ := cmd.Flags().GetBool("summary")
			if summary {
				query.Set("summary", "true")
			}
			result, err := newClient().get("/compliance/access-log", query)
			if err != nil {
				return err
			}
			if outputFormat != "table" {
				printResult(result)
				return nil
			}
			entries, _ := result["entries"].([]any)
			printRows(entries, "id", "timestamp", "userId", "action", "resourceId", "category")
			if summary {
				fmt.Println()
				rows, _ := result["summary"].([]any)
				printRows(rows, "action", "count")
			}
			return nil
		},
	}
	addFetchFlags(listCmd)
	listCmd.Flags().Bool("summary", false, "Also print per-action counts")

	cmd.AddCommand(recordCmd, listCmd)
	return cmd
}

func addFetchFlags(cmd *cobra.Command) {
	cmd.Flags().Int("limit", 0, "Maximum entries (server default 100, max 500)")
	cmd.Flags().Int("offset", 0, "Entries to skip")
	cmd.Flags().String("from", "", "Window start (RFC 3339 or epoch ms)")
	cmd.Flags().String("to", "", "Window end (RFC 3339 or epoch ms)")
	cmd.Flags().Duration("since", 0, "Shorthand for --from now-<duration>")
}

func fetchQuery(cmd *cobra.Command) (url.Values, error) {
	q := url.Values{}
	if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
		q.Set("limit", strconv.Itoa(n))
	}
	if n, _ := cmd.Flags().GetInt("offset"); n > 0 {
		q.Set("offset", strconv.Itoa(n))
	}
	from, _ := cmd.Flags().GetString("from")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		if from != "" {
			return nil, errors.New("--since and --from are mutually exclusive")
		}
		from = strconv.FormatInt(time.Now().Add(-since).UnixMilli(), 10)
	}
	if from != "" {
		q.Set("from", from)
	}
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		q.Set("to", to)
	}
	return q, nil
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Session-gated audit views"}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "List the access log (requires a session with phi:read)",
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := fetchQuery(cmd)
			if err != nil {
				return err
			}
			result, err := newClient().get("/audit/logs", query)
			if err != nil {
				return err
			}
			if outputFormat != "table" {
				printResult(result)
				return nil
			}
			logs, _ := result["logs"].([]any)
			printRows(logs, "id", "timestamp", "userId", "action", "resourceId")
			return nil
		},
	}
	addFetchFlags(logsCmd)

	cmd.AddCommand(logsCmd)
	return cmd
}

// --- session ---

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage session tokens"}

	mintCmd := &cobra.Command{
		Use:   "mint <subject>",
		Short: "Sign a session token with PHIVAULT_SESSION_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(crypto.SecretSession)
			if secret == "" {
				return fmt.Errorf("%s must be set to mint sessions", crypto.SecretSession)
			}
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			issuer, _ := cmd.Flags().GetString("issuer")

			var opts []auth.Option
			if issuer != "" {
				opts = append(opts, auth.WithIssuer(issuer))
			}
			token, err := auth.NewSessions([]byte(secret), opts...).Mint(args[0], scopes, ttl)
			if err != nil {
				return err
			}

			if save, _ := cmd.Flags().GetBool("save"); save {
				cfg.Session = token
				if err := saveConfig(); err != nil {
					return fmt.Errorf("saving config: %w", err)
				}
			}
			printResult(map[string]any{
				"session":    token,
				"subject":    args[0],
				"scopes":     strings.Join(scopes, " "),
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
			return nil
		},
	}
	mintCmd.Flags().StringSlice("scope", []string{auth.ScopeRead}, "Scopes to grant (repeatable)")
	mintCmd.Flags().Duration("ttl", time.Hour, "Session lifetime")
	mintCmd.Flags().String("issuer", "", "iss claim, if the server requires one")
	mintCmd.Flags().Bool("save", false, "Store the session in the CLI config")

	cmd.AddCommand(mintCmd)
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Persist CLI settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("session"); v != "" {
				cfg.Session = v
			}
			if v, _ := cmd.Flags().GetString("ca-cert"); v != "" {
				cfg.TLSCACert = v
			}
			if v, _ := cmd.Flags().GetString("default-format"); v != "" {
				switch v {
				case "table", "json", "raw":
					cfg.Format = v
				default:
					return fmt.Errorf("unknown format %q", v)
				}
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Success! Config written to " + configPath())
			return nil
		},
	}
	setCmd.Flags().String("address", "", "Server address")
	setCmd.Flags().String("session", "", "Session token")
	setCmd.Flags().String("ca-cert", "", "CA bundle for TLS")
	setCmd.Flags().String("default-format", "", "Output format used when --format is not given")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the CLI settings, with the session token shortened",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := map[string]any{
				"path":    configPath(),
				"address": cfg.Address,
			}
			if cfg.TLSCACert != "" {
				out["tls_ca_cert"] = cfg.TLSCACert
			}
			if cfg.Format != "" {
				out["format"] = cfg.Format
			}
			if cfg.Session != "" {
				out["session"] = redactSession(cfg.Session)
				if exp, ok := sessionExpiry(cfg.Session); ok {
					out["session_expires_at"] = exp.UTC().Format(time.RFC3339)
				}
			}
			printResult(out)
			return nil
		},
	}

	cmd.AddCommand(setCmd, showCmd)
	return cmd
}
