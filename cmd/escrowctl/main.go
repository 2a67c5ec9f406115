// escrowctl is the operator command line for the escrow engine.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mbd888/smartescrow/internal/apiclient"
	"github.com/mbd888/smartescrow/internal/automation"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newClient builds an API client from the persistent flags, falling back
// to the environment.
func newClient(cmd *cobra.Command) (*apiclient.Client, error) {
	url, _ := cmd.Flags().GetString("api")
	operator, _ := cmd.Flags().GetString("operator")
	if operator == "" {
		return nil, fmt.Errorf("--operator or ESCROW_OPERATOR_ID is required")
	}
	return apiclient.New(apiclient.Config{
		APIURL:      url,
		ActorID:     operator,
		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}), nil
}

func printJSON(raw json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

var rootCmd = &cobra.Command{
	Use:          "escrowctl",
	Short:        "Operate the escrow engine",
	SilenceUsage: true,
}

var getCmd = &cobra.Command{
	Use:   "get <escrow-id>",
	Short: "Show one escrow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		raw, err := c.GetEscrow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

// bulkCommand builds freeze, unfreeze and force-complete. All of them go
// through the bulk endpoint so one bad id does not stop the rest.
func bulkCommand(use, action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <escrow-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			raw, err := c.Bulk(cmd.Context(), action, args, reason)
			if err != nil {
				return err
			}
			var resp struct {
				Result struct {
					Succeeded int `json:"succeeded"`
					Failed    int `json:"failed"`
					Results   []struct {
						EscrowID string `json:"escrowId"`
						OK       bool   `json:"ok"`
						Status   string `json:"status"`
						Code     string `json:"code"`
						Error    string `json:"error"`
					} `json:"results"`
				} `json:"result"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
			for _, r := range resp.Result.Results {
				if r.OK {
					fmt.Printf("ok    %s  %s\n", r.EscrowID, r.Status)
				} else {
					fmt.Printf("FAIL  %s  %s: %s\n", r.EscrowID, r.Code, r.Error)
				}
			}
			fmt.Printf("\n%d succeeded, %d failed\n", resp.Result.Succeeded, resp.Result.Failed)
			if resp.Result.Failed > 0 {
				return fmt.Errorf("%d escrow(s) failed", resp.Result.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringP("reason", "m", "", "Reason recorded in the audit log")
	return cmd
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run automation now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		escrowID, _ := cmd.Flags().GetString("escrow")
		var raw json.RawMessage
		if escrowID != "" {
			raw, err = c.ProcessEscrow(cmd.Context(), escrowID)
		} else {
			raw, err = c.Sweep(cmd.Context())
		}
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var automationCmd = &cobra.Command{
	Use:       "automation <on|off|status>",
	Short:     "Show or flip the global automation switch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var raw json.RawMessage
		switch args[0] {
		case "on":
			raw, err = c.SetAutomation(cmd.Context(), true)
		case "off":
			raw, err = c.SetAutomation(cmd.Context(), false)
		case "status":
			raw, err = c.Settings(cmd.Context())
		default:
			return fmt.Errorf("unknown argument %q: want on, off or status", args[0])
		}
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

// rules command
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		active, _ := cmd.Flags().GetBool("active")
		raw, err := c.ListRules(cmd.Context(), active)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func toggleCommand(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: use + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if _, err := c.SetRuleActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Printf("Rule %s %sd\n", args[0], use)
			return nil
		},
	}
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a TOML rules file without loading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := automation.LoadRuleFile(args[0])
		if err != nil {
			return err
		}
		for _, r := range rules {
			fmt.Printf("ok  %-14s %s\n", r.Type, r.Name)
		}
		fmt.Printf("\n%d rule(s) valid\n", len(rules))
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List automation events",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		escrowID, _ := cmd.Flags().GetString("escrow")
		limit, _ := cmd.Flags().GetInt("limit")
		raw, err := c.Events(cmd.Context(), escrowID, limit)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func init() {
	rootCmd.PersistentFlags().String("api", envOrDefault("ESCROW_API_URL", "http://localhost:8080"), "Engine base URL")
	rootCmd.PersistentFlags().String("operator", os.Getenv("ESCROW_OPERATOR_ID"), "Operator ID sent as X-Actor-ID")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(bulkCommand("freeze", "freeze", "Place escrows on administrative hold"))
	rootCmd.AddCommand(bulkCommand("unfreeze", "unfreeze", "Lift administrative holds"))
	rootCmd.AddCommand(bulkCommand("force-complete", "force_complete", "Pay unfinished milestones, refund the rest and close"))

	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().String("escrow", "", "Only evaluate this escrow")

	rootCmd.AddCommand(automationCmd)

	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesListCmd.Flags().Bool("active", false, "Only active rules")
	rulesCmd.AddCommand(toggleCommand("activate", true))
	rulesCmd.AddCommand(toggleCommand("deactivate", false))
	rulesCmd.AddCommand(rulesCheckCmd)

	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().String("escrow", "", "Only events for this escrow")
	eventsCmd.Flags().Int("limit", 20, "Maximum events to list")
}
