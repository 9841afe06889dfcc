package blobstore

import (
	"errors"
	"mime"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
)

// Handler exposes a Store under /bundle-objects.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts bundle object routes. Keys may contain slashes, so
// they are taken from the wildcard.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/bundle-objects", h.handleList)
	g.PUT("/bundle-objects/*", h.handlePut)
	g.GET("/bundle-objects/*", h.handleGet)
	g.DELETE("/bundle-objects/*", h.handleDelete)
}

func objectKey(c echo.Context) (string, error) {
	key := c.Param("*")
	if err := ValidateKey(key); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return key, nil
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrObjectNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrObjectTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrInvalidKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) handlePut(c echo.Context) error {
	key, err := objectKey(c)
	if err != nil {
		return err
	}

	contentType := "application/yaml"
	if ct := c.Request().Header.Get(echo.HeaderContentType); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || !AllowedContentTypes[mt] {
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, "bundle must be YAML or JSON")
		}
		contentType = mt
	}

	info, err := h.store.Put(c.Request().Context(), key, contentType, c.Request().Body)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (h *Handler) handleGet(c echo.Context) error {
	key, err := objectKey(c)
	if err != nil {
		return err
	}

	info, err := h.store.Stat(c.Request().Context(), key)
	if err != nil {
		return storeError(err)
	}
	rc, err := h.store.Open(c.Request().Context(), key)
	if err != nil {
		return storeError(err)
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/yaml"
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	return c.Stream(http.StatusOK, contentType, rc)
}

func (h *Handler) handleDelete(c echo.Context) error {
	key, err := objectKey(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), key); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return storeError(err)
	}
	if items == nil {
		items = []ObjectInfo{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}
