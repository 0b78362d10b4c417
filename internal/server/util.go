package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/islerun/internal/history"
)

// maxLimit caps the limit query parameter.
const maxLimit = history.MaxListLimit

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

var knownTypes = map[history.EventType]struct{}{
	history.EventRunStart:     {},
	history.EventArchive:      {},
	history.EventReplicaStart: {},
	history.EventReplicaExit:  {},
	history.EventRunEnd:       {},
}

// parseQuery reads type and limit query values.
func parseQuery(typ, limit string) (history.Query, error) {
	var q history.Query
	if typ != "" {
		t := history.EventType(typ)
		if _, ok := knownTypes[t]; !ok {
			return q, fmt.Errorf("unknown event type %q", typ)
		}
		q.Type = t
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.Limit = min(n, maxLimit)
	}
	return q, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
