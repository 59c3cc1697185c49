// Package main implements safety-plan commands for the vigilctl CLI.
package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(rerankCmd)
}

// planCmd shows the current safety-plan section order
var planCmd = &cobra.Command{
	Use:   "plan <user-ref>",
	Short: "Show the current safety-plan order",
	Long: `Show the safety-plan section order the daemon currently holds for a
user. The order is empty until a rerank has run.

Examples:
  vigilctl plan u-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

// rerankCmd reorders the safety plan from current state
var rerankCmd = &cobra.Command{
	Use:   "rerank <user-ref>",
	Short: "Reorder the safety plan from current state",
	Long: `Reorder the user's safety-plan sections from their longitudinal state.
The deterministic order is applied immediately; a model refinement may
adjust mid-plan sections shortly after.

Examples:
  vigilctl rerank u-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runRerank,
}

// PlanResponse matches pkg/server/server.go PlanResponse
type PlanResponse struct {
	UserRef string   `json:"user_ref"`
	Order   []string `json:"order"`
}

// runPlan handles the plan command
func runPlan(cmd *cobra.Command, args []string) error {
	var plan PlanResponse
	if _, err := apiCall(http.MethodGet, userPath("/v1/plan/%s", args[0]), 10*time.Second, nil, &plan, http.StatusOK); err != nil {
		return err
	}

	printPlan(&plan)
	return nil
}

// runRerank handles the rerank command
func runRerank(cmd *cobra.Command, args []string) error {
	var plan PlanResponse
	if _, err := apiCall(http.MethodPost, userPath("/v1/rerank/%s", args[0]), 2*time.Minute, nil, &plan, http.StatusOK); err != nil {
		return err
	}

	printPlan(&plan)
	return nil
}

// printPlan renders the section order for the terminal.
func printPlan(plan *PlanResponse) {
	if len(plan.Order) == 0 {
		fmt.Printf("No reranked order for %s yet\n", plan.UserRef)
		return
	}
	fmt.Printf("Safety plan for %s:\n", plan.UserRef)
	for i, section := range plan.Order {
		fmt.Printf("  %d. %s\n", i+1, section)
	}
}
