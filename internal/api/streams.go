package api

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// streamTracker counts open progress streams.
type streamTracker struct {
	count atomic.Int64
}

func (st *streamTracker) Count() int64 {
	return st.count.Load()
}

// track wraps a streaming handler so the count covers its lifetime.
func (st *streamTracker) track() gin.HandlerFunc {
	return func(c *gin.Context) {
		st.count.Add(1)
		defer st.count.Add(-1)
		c.Next()
	}
}
