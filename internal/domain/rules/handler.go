package rules

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/alqaisi42/medexaTPA-sub004/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Evaluation
	api.POST("/packs/:packId/evaluations/drug-rules", h.EvaluateDrugRules)
	api.POST("/packs/:packId/evaluations/dosage", h.ComputeDosageRecommendation)
	api.POST("/decisions", h.EvaluateDrugDecision)

	// Packs
	api.GET("/packs", h.ListPacks)
	api.POST("/packs/:packId/reload", h.ReloadPack)
	api.POST("/bundles", h.ImportBundle)

	// Drug rules
	api.GET("/packs/:packId/drug-rules", h.ListDrugRules)
	api.POST("/drug-rules", h.CreateDrugRule)
	api.GET("/drug-rules/:id", h.GetDrugRule)
	api.PUT("/drug-rules/:id", h.UpdateDrugRule)
	api.POST("/drug-rules/:id/deactivate", h.DeactivateDrugRule)

	// Dosage rules
	api.GET("/packs/:packId/dosage-rules", h.ListDosageRules)
	api.POST("/dosage-rules", h.CreateDosageRule)
	api.GET("/dosage-rules/:id", h.GetDosageRule)
	api.PUT("/dosage-rules/:id", h.UpdateDosageRule)
	api.POST("/dosage-rules/:id/deactivate", h.DeactivateDosageRule)

	// Factors
	api.GET("/factors", h.ListFactors)
	api.POST("/factors", h.CreateFactor)
}

// EvaluationRequest is the body of the evaluation endpoints. Factor values may
// be JSON strings, numbers or booleans.
type EvaluationRequest struct {
	Date    string                 `json:"date"`
	Factors map[string]interface{} `json:"factors"`
}

// DecisionBody is the body of POST /decisions.
type DecisionBody struct {
	PackID            string                 `json:"pack_id"`
	PriceListID       string                 `json:"price_list_id"`
	RequestedQuantity float64                `json:"requested_quantity"`
	RequestedDate     string                 `json:"requested_date"`
	Factors           map[string]interface{} `json:"factors"`
}

// ToRequest converts the loosely typed body into a DecisionRequest.
func (b DecisionBody) ToRequest() (DecisionRequest, error) {
	date, err := ParseDate(b.RequestedDate)
	if err != nil {
		return DecisionRequest{}, err
	}
	factors, err := FactorValues(b.Factors)
	if err != nil {
		return DecisionRequest{}, err
	}
	return DecisionRequest{
		PackID:            b.PackID,
		PriceListID:       b.PriceListID,
		RequestedQuantity: b.RequestedQuantity,
		RequestedDate:     date,
		Factors:           factors,
	}, nil
}

// toContext builds the evaluation context; an empty date means today.
func (h *Handler) toContext(req EvaluationRequest) (EvaluationContext, error) {
	date, err := ParseDate(req.Date)
	if err != nil {
		return EvaluationContext{}, err
	}
	if date.IsZero() {
		date = h.svc.now()
	}
	factors, err := FactorValues(req.Factors)
	if err != nil {
		return EvaluationContext{}, err
	}
	return NewEvaluationContext(date, factors), nil
}

// httpError maps service errors to HTTP status codes.
func httpError(err error) error {
	var ve ValidationErrors
	switch {
	case errors.As(err, &ve):
		return validationHTTPError(ve)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPackID),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrMalformedBundle):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRuleNotFound), errors.Is(err, ErrPriceListNotFound), errors.Is(err, ErrBundleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrFactorExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case IsUnavailable(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func validationHTTPError(ve ValidationErrors) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
		"message": "validation failed",
		"errors":  ve,
	})
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Evaluation Handlers --

func (h *Handler) EvaluateDrugRules(c echo.Context) error {
	var req EvaluationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ec, err := h.toContext(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.EvaluateDrugRules(c.Request().Context(), c.Param("packId"), ec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ComputeDosageRecommendation(c echo.Context) error {
	var req EvaluationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ec, err := h.toContext(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.ComputeDosageRecommendation(c.Request().Context(), c.Param("packId"), ec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) EvaluateDrugDecision(c echo.Context) error {
	var body DecisionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.ToRequest()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.EvaluateDrugDecision(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// -- Pack Handlers --

func (h *Handler) ListPacks(c echo.Context) error {
	packs, err := h.svc.ListPacks(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":   packs,
		"cached": h.svc.Catalog().Cached(),
	})
}

func (h *Handler) ReloadPack(c echo.Context) error {
	packID := c.Param("packId")
	if err := h.svc.Catalog().Reload(c.Request().Context(), packID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ImportBundle accepts a YAML or JSON bundle document as the raw body, or
// imports a stored bundle when ?object=<key> is given.
func (h *Handler) ImportBundle(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		summary *ImportSummary
		err     error
	)
	if key := c.QueryParam("object"); key != "" {
		summary, err = h.svc.ImportBundleObject(ctx, key)
	} else {
		var b *Bundle
		if b, err = DecodeBundle(c.Request().Body); err == nil {
			summary, err = h.svc.ImportBundle(ctx, b)
		}
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, summary)
}

// -- Drug Rule Handlers --

func (h *Handler) ListDrugRules(c echo.Context) error {
	items, err := h.svc.ListDrugRules(c.Request().Context(), c.Param("packId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)).WithLinks(c.Request().URL.Path))
}

func (h *Handler) CreateDrugRule(c echo.Context) error {
	var r DrugRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateDrugRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetDrugRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetDrugRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateDrugRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var r DrugRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.ID = id
	if err := h.svc.UpdateDrugRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeactivateDrugRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.DeactivateDrugRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Dosage Rule Handlers --

func (h *Handler) ListDosageRules(c echo.Context) error {
	items, err := h.svc.ListDosageRules(c.Request().Context(), c.Param("packId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)).WithLinks(c.Request().URL.Path))
}

func (h *Handler) CreateDosageRule(c echo.Context) error {
	var r DosageRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateDosageRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetDosageRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetDosageRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateDosageRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var r DosageRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.ID = id
	if err := h.svc.UpdateDosageRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeactivateDosageRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.DeactivateDosageRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Factor Handlers --

func (h *Handler) ListFactors(c echo.Context) error {
	items, err := h.svc.ListFactors(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)).WithLinks(c.Request().URL.Path))
}

func (h *Handler) CreateFactor(c echo.Context) error {
	var f Factor
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateFactor(c.Request().Context(), &f); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, f)
}
