// Package mcp exposes the evaluation operations as Model Context Protocol
// tools so assistants can ask for coverage, dosage and dispensing decisions.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/alqaisi42/medexaTPA-sub004/internal/domain/rules"
)

// BasePath is where the SSE transport is mounted.
const BasePath = "/mcp"

// Evaluator is the part of rules.Service the tools call.
type Evaluator interface {
	EvaluateDrugRules(ctx context.Context, packID string, ec rules.EvaluationContext) (rules.EvaluationResult, error)
	ComputeDosageRecommendation(ctx context.Context, packID string, ec rules.EvaluationContext) (rules.DosageRecommendationResult, error)
	EvaluateDrugDecision(ctx context.Context, req rules.DecisionRequest) (rules.DecisionResult, error)
}

type Server struct {
	mcpServer *server.MCPServer
	eval      Evaluator
	now       func() time.Time
}

func NewServer(eval Evaluator, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"rxrules",
			version,
			server.WithToolCapabilities(true),
		),
		eval: eval,
		now:  time.Now,
	}

	s.registerTools()
	return s
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"evaluate_drug_rules",
			mcp.WithDescription("Evaluate a pack's coverage, quantity, price and contraindication rules against patient factors"),
			mcp.WithString("pack_id", mcp.Required(), mcp.Description("The drug pack identifier")),
			mcp.WithString("date", mcp.Description("Evaluation date, YYYY-MM-DD; defaults to today")),
			mcp.WithObject("factors", mcp.Description("Factor code to value, e.g. {\"AGE\": 40, \"GENDER\": \"F\"}")),
		),
		s.handleEvaluateDrugRules,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"compute_dosage_recommendation",
			mcp.WithDescription("Find the dosage rule of a pack that applies to the given patient factors"),
			mcp.WithString("pack_id", mcp.Required(), mcp.Description("The drug pack identifier")),
			mcp.WithString("date", mcp.Description("Evaluation date, YYYY-MM-DD; defaults to today")),
			mcp.WithObject("factors", mcp.Description("Factor code to value")),
		),
		s.handleComputeDosage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"evaluate_drug_decision",
			mcp.WithDescription("Decide eligibility, enforced quantity, price and dosage guidance for a dispensing request"),
			mcp.WithString("pack_id", mcp.Required(), mcp.Description("The drug pack identifier")),
			mcp.WithString("price_list_id", mcp.Required(), mcp.Description("The price list to price against")),
			mcp.WithNumber("requested_quantity", mcp.Required(), mcp.Description("Units requested; must be greater than 0")),
			mcp.WithString("requested_date", mcp.Description("Dispensing date, YYYY-MM-DD; defaults to today")),
			mcp.WithObject("factors", mcp.Description("Factor code to value")),
		),
		s.handleEvaluateDecision,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid arguments type")
	}
	return args, nil
}

// evaluationArgs reads pack_id, date and factors.
func (s *Server) evaluationArgs(args map[string]interface{}) (string, rules.EvaluationContext, error) {
	packID, _ := args["pack_id"].(string)
	if packID == "" {
		return "", rules.EvaluationContext{}, fmt.Errorf("missing required parameter: pack_id")
	}
	dateStr, _ := args["date"].(string)
	date, err := rules.ParseDate(dateStr)
	if err != nil {
		return "", rules.EvaluationContext{}, err
	}
	if date.IsZero() {
		date = s.now()
	}
	factors, err := factorArg(args)
	if err != nil {
		return "", rules.EvaluationContext{}, err
	}
	return packID, rules.NewEvaluationContext(date, factors), nil
}

func factorArg(args map[string]interface{}) (map[string]string, error) {
	raw, ok := args["factors"]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("factors must be an object")
	}
	return rules.FactorValues(m)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) handleEvaluateDrugRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	packID, ec, err := s.evaluationArgs(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.eval.EvaluateDrugRules(ctx, packID, ec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate drug rules: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleComputeDosage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	packID, ec, err := s.evaluationArgs(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.eval.ComputeDosageRecommendation(ctx, packID, ec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute dosage: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleEvaluateDecision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body := rules.DecisionBody{}
	body.PackID, _ = args["pack_id"].(string)
	body.PriceListID, _ = args["price_list_id"].(string)
	body.RequestedDate, _ = args["requested_date"].(string)
	qty, ok := args["requested_quantity"].(float64)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: requested_quantity"), nil
	}
	body.RequestedQuantity = qty
	if f, ok := args["factors"].(map[string]interface{}); ok {
		body.Factors = f
	}

	req, err := body.ToRequest()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.eval.EvaluateDrugDecision(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate decision: %v", err)), nil
	}
	return jsonResult(result)
}

// Mount serves the SSE transport on e under BasePath.
func Mount(e *echo.Echo, s *Server) {
	sse := server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(BasePath))
	h := echo.WrapHandler(sse)
	e.GET(BasePath+"/sse", h)
	e.POST(BasePath+"/message", h)
}
