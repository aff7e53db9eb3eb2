package cmd

import (
	"fmt"
	"net/url"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/reelmix/reelmix/pkg/api"
	"github.com/reelmix/reelmix/pkg/models"
)

var purchaseDescription string

// creditsCmd represents the credits command
var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and top up credit balances",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

var creditsTransactionsCmd = &cobra.Command{
	Use:   "transactions <user-id>",
	Short: "List a user's credit transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsTransactions,
}

var creditsPurchaseCmd = &cobra.Command{
	Use:   "purchase <user-id> <amount>",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE:  runCreditsPurchase,
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsTransactionsCmd)
	creditsCmd.AddCommand(creditsPurchaseCmd)

	creditsPurchaseCmd.Flags().StringVar(&purchaseDescription, "description", "", "ledger description")
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	var res balanceResponse
	if err := doJSON("GET", "/users/"+url.PathEscape(args[0])+"/balance", nil, &res); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(res)
	}
	fmt.Printf("%s: %d credits\n", res.UserID, res.Balance)
	return nil
}

type transactionsResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	Count        int                        `json:"count"`
}

func runCreditsTransactions(cmd *cobra.Command, args []string) error {
	var res transactionsResponse
	if err := doJSON("GET", "/users/"+url.PathEscape(args[0])+"/transactions", nil, &res); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(res)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Type", "Amount", "Job", "Description")
	for _, tx := range res.Transactions {
		job := tx.JobID
		if job == "" {
			job = "-"
		}
		table.Append(
			tx.CreatedAt.Format("2006-01-02 15:04:05"),
			string(tx.Type),
			fmt.Sprintf("%+d", tx.Amount),
			job,
			tx.Description,
		)
	}
	table.Render()
	fmt.Printf("\nTotal transactions: %d\n", res.Count)
	return nil
}

func runCreditsPurchase(cmd *cobra.Command, args []string) error {
	var amount int64
	if _, err := fmt.Sscan(args[1], &amount); err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", args[1])
	}

	var tx models.CreditTransaction
	req := api.PurchaseRequest{Amount: amount, Description: purchaseDescription}
	if err := doJSON("POST", "/users/"+url.PathEscape(args[0])+"/credits", req, &tx); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(tx)
	}
	fmt.Printf("Added %d credits to %s (transaction %s)\n", tx.Amount, tx.UserID, tx.ID)
	return nil
}
