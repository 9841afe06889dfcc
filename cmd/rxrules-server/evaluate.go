package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alqaisi42/medexaTPA-sub004/internal/domain/rules"
)

const (
	kindDecision  = "decision"
	kindDrugRules = "drug-rules"
	kindDosage    = "dosage"
)

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <request.json>",
		Short: "Evaluate a request against the stored rules and print the result",
		Long: "Reads a request body in the same shape as the HTTP API. Use - to read stdin.\n" +
			"Kinds: decision (default), drug-rules, dosage. The last two need --pack.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			packID, _ := cmd.Flags().GetString("pack")
			if err := checkKind(kind, packID); err != nil {
				return err
			}

			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := newApp(ctx, newLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := evaluate(ctx, a.svc, kind, packID, raw, time.Now())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().String("kind", kindDecision, "Evaluation kind: decision, drug-rules or dosage")
	cmd.Flags().String("pack", "", "Rule pack for drug-rules and dosage evaluations")
	return cmd
}

func checkKind(kind, packID string) error {
	switch kind {
	case kindDecision:
		return nil
	case kindDrugRules, kindDosage:
		if packID == "" {
			return fmt.Errorf("--pack is required for %s evaluations", kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown evaluation kind %q", kind)
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func evaluate(ctx context.Context, svc *rules.Service, kind, packID string, raw []byte, now time.Time) (interface{}, error) {
	if kind == kindDecision {
		var body rules.DecisionBody
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("decode decision request: %w", err)
		}
		req, err := body.ToRequest()
		if err != nil {
			return nil, err
		}
		return svc.EvaluateDrugDecision(ctx, req)
	}

	ec, err := evaluationContext(raw, now)
	if err != nil {
		return nil, err
	}
	if kind == kindDosage {
		return svc.ComputeDosageRecommendation(ctx, packID, ec)
	}
	return svc.EvaluateDrugRules(ctx, packID, ec)
}

func evaluationContext(raw []byte, now time.Time) (rules.EvaluationContext, error) {
	var req rules.EvaluationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return rules.EvaluationContext{}, fmt.Errorf("decode evaluation request: %w", err)
	}
	date, err := rules.ParseDate(req.Date)
	if err != nil {
		return rules.EvaluationContext{}, err
	}
	if date.IsZero() {
		date = now
	}
	factors, err := rules.FactorValues(req.Factors)
	if err != nil {
		return rules.EvaluationContext{}, err
	}
	return rules.NewEvaluationContext(date, factors), nil
}
