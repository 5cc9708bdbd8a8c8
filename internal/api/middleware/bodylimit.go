package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodyLimitMiddleware returns a Gin middleware that limits the size of request
// bodies. None of stevedored's endpoints accept uploads — submit/restore/
// schedule bodies are small JSON documents — so maxBytes (internal/config's
// MaxRequestBodyBytes) is expected to stay in the kilobyte-to-single-digit-
// megabyte range. The limit is enforced only as the body is consumed: a read
// past it fails with an error. The middleware writes no status of its own, so
// the client gets whatever status the handler returns for that read error.
func BodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
