// Package main implements check-in submission commands for the vigilctl CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// sessionID overrides the session_id field of the submitted check-in
	sessionID string
)

func init() {
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(prewarmCmd)

	assessCmd.Flags().StringVar(&sessionID, "session", "", "session ID correlating a prewarm with this assessment")
	prewarmCmd.Flags().StringVar(&sessionID, "session", "", "session ID the later assessment will present")
}

// assessCmd submits one check-in through the full pipeline
var assessCmd = &cobra.Command{
	Use:   "assess [file]",
	Short: "Submit a check-in for assessment",
	Long: `Submit a completed check-in (screening answers plus health snapshot)
to the vigild daemon and print the assessment outcome.

The check-in is read as JSON from a file or stdin.

Examples:
  # Assess a check-in from a file
  vigilctl assess checkin.json

  # Assess from stdin
  cat checkin.json | vigilctl assess -

  # Consume a prewarmed generation
  vigilctl assess --session sess-42 checkin.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAssess,
}

// prewarmCmd starts a generation before the check-in is submitted
var prewarmCmd = &cobra.Command{
	Use:   "prewarm [file]",
	Short: "Start a generation ahead of submission",
	Long: `Start a model generation from a partially completed check-in so the
matching assess call can consume the finished result.

The check-in is read as JSON from a file or stdin and must carry a
session ID, either in the JSON or via --session.

Examples:
  # Prewarm while the user is still answering
  vigilctl prewarm --session sess-42 partial.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPrewarm,
}

// CheckInRequest matches pkg/server assess and prewarm bodies. Screening
// and health pass through untouched.
type CheckInRequest struct {
	UserRef   string          `json:"user_ref"`
	SessionID string          `json:"session_id,omitempty"`
	Screening json.RawMessage `json:"screening"`
	Health    json.RawMessage `json:"health"`
	Telemetry string          `json:"telemetry,omitempty"`
	Voice     string          `json:"voice,omitempty"`
}

// Resolution matches the reconciled outcome inside an assess response
type Resolution struct {
	FinalTier         string `json:"final_tier"`
	DeterministicTier string `json:"deterministic_tier"`
	AITier            string `json:"ai_tier,omitempty"`
	Provenance        string `json:"provenance"`
	Explanation       string `json:"explanation"`
}

// Assessment matches the parsed model assessment inside an assess response
type Assessment struct {
	AssessedTier string  `json:"assessed_tier"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

// AssessOutcome matches the triage outcome returned by POST /v1/assess
type AssessOutcome struct {
	CheckIn struct {
		ID         string      `json:"id"`
		Resolution Resolution  `json:"resolution"`
		Assessment *Assessment `json:"assessment,omitempty"`
	} `json:"check_in"`
	ResponseText    string   `json:"response_text"`
	Recommendations []string `json:"recommendations,omitempty"`
	Crisis          *Session `json:"crisis,omitempty"`
	CrisisEntered   bool     `json:"crisis_entered,omitempty"`
	PlanOrder       []string `json:"plan_order,omitempty"`
}

// runAssess handles the assess command
func runAssess(cmd *cobra.Command, args []string) error {
	req, err := loadCheckIn(args, sessionID)
	if err != nil {
		return err
	}

	var outcome AssessOutcome
	if _, err := apiCall(http.MethodPost, "/v1/assess", 2*time.Minute, req, &outcome, http.StatusOK); err != nil {
		return err
	}

	printOutcome(os.Stdout, &outcome)
	return nil
}

// runPrewarm handles the prewarm command
func runPrewarm(cmd *cobra.Command, args []string) error {
	req, err := loadCheckIn(args, sessionID)
	if err != nil {
		return err
	}
	if req.SessionID == "" {
		return fmt.Errorf("a session ID is required: set session_id in the JSON or pass --session")
	}

	var status StatusResponse
	if _, err := apiCall(http.MethodPost, "/v1/prewarm", 10*time.Second, req, &status, http.StatusAccepted); err != nil {
		return err
	}

	fmt.Printf("Prewarm %s (session %s)\n", status.Status, req.SessionID)
	return nil
}

// loadCheckIn reads a check-in JSON document from the file named in args
// or from stdin, applying the session override when set.
func loadCheckIn(args []string, session string) (*CheckInRequest, error) {
	var content []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(content) == 0 {
		return nil, fmt.Errorf("no check-in content")
	}

	var req CheckInRequest
	if err := json.Unmarshal(content, &req); err != nil {
		return nil, fmt.Errorf("invalid check-in JSON: %w", err)
	}
	if session != "" {
		req.SessionID = session
	}

	return &req, nil
}

// printOutcome renders one assessment outcome for the terminal.
func printOutcome(w io.Writer, outcome *AssessOutcome) {
	res := outcome.CheckIn.Resolution
	fmt.Fprintf(w, "Check-in:   %s\n", outcome.CheckIn.ID)
	fmt.Fprintf(w, "Tier:       %s (%s)\n", res.FinalTier, res.Provenance)
	if res.AITier != "" && res.AITier != res.FinalTier {
		fmt.Fprintf(w, "Model tier: %s (overridden)\n", res.AITier)
	}
	if a := outcome.CheckIn.Assessment; a != nil {
		fmt.Fprintf(w, "Confidence: %.2f\n", a.Confidence)
	}
	if res.Explanation != "" {
		fmt.Fprintf(w, "Basis:      %s\n", res.Explanation)
	}

	fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(outcome.ResponseText))

	if len(outcome.Recommendations) > 0 {
		fmt.Fprintf(w, "\nRecommendations:\n")
		for i, rec := range outcome.Recommendations {
			fmt.Fprintf(w, "  %d. %s\n", i+1, rec)
		}
	}

	if outcome.Crisis != nil {
		verb := "continues"
		if outcome.CrisisEntered {
			verb = "opened"
		}
		fmt.Fprintf(w, "\nCrisis session %s: %s (window %s)\n",
			verb, outcome.Crisis.ID, outcome.Crisis.Window)
	}
	if len(outcome.PlanOrder) > 0 {
		fmt.Fprintf(w, "Safety plan order: %s\n", strings.Join(outcome.PlanOrder, ", "))
	}
}
