package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BundlePath is the endpoint that accepts whole rule pack bundles.
const BundlePath = "/api/v1/bundles"

const defaultBodyLimit = 1 << 20

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1 << 30}, {"G", 1 << 30},
	{"MB", 1 << 20}, {"M", 1 << 20},
	{"KB", 1 << 10}, {"K", 1 << 10},
	{"B", 1},
}

// ParseSize converts sizes such as "512K", "16MB" or "1024" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func parseLimit(s string) int64 {
	n, err := ParseSize(s)
	if err != nil || n == 0 {
		return defaultBodyLimit
	}
	return n
}

// BodyLimit caps request bodies. bundleLimit applies to POST BundlePath and
// defaultLimit to everything else. A body that turns out to be too large
// while the handler reads it still yields 413, whatever the handler returned.
func BodyLimit(defaultLimit, bundleLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	bundleBytes := parseLimit(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && strings.TrimSuffix(req.URL.Path, "/") == BundlePath {
				limit = bundleBytes
			}
			if req.ContentLength > limit {
				return payloadTooLarge(c, limit)
			}

			body := &overflowReader{ReadCloser: http.MaxBytesReader(c.Response(), req.Body, limit)}
			req.Body = body

			err := next(c)
			if body.overflowed && !c.Response().Committed {
				return payloadTooLarge(c, limit)
			}
			return err
		}
	}
}

// overflowReader remembers whether the wrapped MaxBytesReader hit its limit.
type overflowReader struct {
	io.ReadCloser
	overflowed bool
}

func (r *overflowReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		r.overflowed = true
	}
	return n, err
}

func payloadTooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]interface{}{
		"message": fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit),
		"limit":   limit,
	})
}
