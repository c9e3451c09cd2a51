package cache

import (
	"encoding/json"
	"fmt"

	"github.com/agritrace/offsync/internal/offline/model"
)

// KeyFor returns the cache key a successful mutation response represents, or
// "" if the response cannot be cached.
//
// An update response is the resource at path. A create response is cached
// under path/<id> when the body carries a string or numeric id. Deletes and
// empty bodies are never cached.
func KeyFor(kind model.Kind, path string, body json.RawMessage) string {
	if len(body) == 0 || kind == model.KindDelete {
		return ""
	}
	if kind == model.KindUpdate {
		return path
	}

	var created struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || len(created.ID) == 0 {
		return ""
	}
	var id any
	if err := json.Unmarshal(created.ID, &id); err != nil {
		return ""
	}
	switch v := id.(type) {
	case string:
		if v == "" {
			return ""
		}
		return fmt.Sprintf("%s/%s", path, v)
	case float64:
		return fmt.Sprintf("%s/%s", path, created.ID)
	default:
		return ""
	}
}
