package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// paramInt parses an integer path parameter.
func paramInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, false
	}
	return v, true
}

// queryInt parses an integer query parameter with a default.
func queryInt(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return v
}
