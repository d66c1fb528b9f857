package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/classifier"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/search"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

// jsonOutput reports whether the global --format flag asks for JSON.
func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return strings.EqualFold(format, "json")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <query>",
		Short: "Show the complexity class of a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			c := classifier.Classify(query)
			hint := router.Hint(c)

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"complexity": string(c),
					"hint":       hint,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "complexity: %s\n", c)
			fmt.Fprintf(out, "hint:       %s\n", hint)
			return nil
		},
	}
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route <query>",
		Short: "Decide the tier for a query without calling upstream",
		Long: `Classify the query and pick a tier under the given budget policy.
Medium queries under auto are split at random, so repeated runs may differ.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, _ := cmd.Flags().GetString("policy")
			policy, err := models.ParsePolicy(mode)
			if err != nil {
				return apperr.Validation(err.Error())
			}

			d := router.NewRouter(nil).Route(classifier.Classify(strings.Join(args, " ")), policy)
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "complexity: %s\n", d.Complexity)
			fmt.Fprintf(out, "policy:     %s\n", d.Policy)
			fmt.Fprintf(out, "tier:       %s\n", d.Tier.WireName())
			fmt.Fprintf(out, "cost:       %d credits\n", d.Cost)
			if d.UpgradeReason != "" {
				fmt.Fprintf(out, "reason:     %s\n", d.UpgradeReason)
			}
			return nil
		},
	}
	cmd.Flags().String("policy", string(models.PolicyAuto), "budget policy (auto, fast_only, deep_only)")
	return cmd
}

// accountsFile is the YAML layout of a preview accounts file. A bare list
// of names is accepted as well.
type accountsFile struct {
	Accounts []string `yaml:"accounts"`
}

// loadAccounts reads account names from a YAML file.
func loadAccounts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}
	return f.Accounts, nil
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Run a query against several accounts",
		Long: `Run one query per account with the account name substituted for
{COMPANY_NAME}, then print each answer and the cost breakdown against
always using Deep Search. This calls the upstream API and costs money.`,
		RunE: runPreview,
	}
	cmd.Flags().StringP("query", "q", "", "query text, may contain {COMPANY_NAME}")
	cmd.Flags().StringP("accounts", "a", "", "YAML file listing account names")
	cmd.Flags().String("policy", string(models.PolicyAuto), "budget policy (auto, fast_only, deep_only)")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("accounts")
	return cmd
}

func runPreview(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	query, _ := cmd.Flags().GetString("query")
	path, _ := cmd.Flags().GetString("accounts")
	policy, _ := cmd.Flags().GetString("policy")

	accounts, err := loadAccounts(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := search.NewService(search.Options{
		Executor:           newExecutor(cfg),
		Credits:            budget.NewEnforcer(nil, budget.Options{FailOpen: true}),
		PreviewConcurrency: cfg.PreviewConcurrency,
		PreviewMaxAccounts: cfg.PreviewMaxAccounts,
	})
	res, err := svc.Preview(ctx, search.PreviewRequest{Query: query, BudgetMode: policy, Accounts: accounts})
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	printPreview(cmd.OutOrStdout(), res)
	return nil
}

func printPreview(w io.Writer, res *search.PreviewResult) {
	for _, item := range res.Items {
		if item.Error != nil {
			fmt.Fprintf(w, "== %s: error (%s) %s\n\n", item.Account, item.Error.Error, item.Error.Message)
			continue
		}
		r := item.Result
		fmt.Fprintf(w, "== %s [%s, %d credits]\n", item.Account, r.TierUsed, r.Cost)
		if r.UpgradeReason != "" {
			fmt.Fprintf(w, "   %s\n", r.UpgradeReason)
		}
		fmt.Fprintf(w, "%s\n\n", r.Answer)
	}

	b := res.Breakdown
	fmt.Fprintf(w, "Fast Search: %d  Deep Search: %d\n", b.Tier1Count, b.Tier2Count)
	fmt.Fprintf(w, "Credits: %d (always Deep Search: %d, saved %d, %d%%)\n",
		b.TotalCredits, b.AlwaysDeepCredits, b.SavedCredits, b.SavingsPercent)
}
